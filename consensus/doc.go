// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

/*
Package consensus provides consensus infrastructure for PoE validators.

# Terminology

A bundle holds one block per domain ledger at a single height. Validators
agree on bundles, never on individual blocks, so every ledger advances
together or not at all.

Vote: a validator's BLS signature over a bundle ID, cast in the prevote or
precommit step of a view.

Certificate: precommit signatures from more than two thirds of the validator
weight at the bundle height. A committed bundle carries its certificate.

# Components

The bft subpackage runs one height at a time. Each view has a proposer chosen
round-robin from the validator set. A view that does not gather a certificate
before its timeout moves to the next view with a longer timeout. The
application behind the engine builds, verifies and commits bundles.
*/
package consensus

/*
Copyright 2024 Ordinals Plus

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package classify decides whether an inscription's metadata is an identity
// resource. The check is purely syntactic: metadata either looks like a DID
// document, looks like a verifiable credential, or is neither. No network
// I/O, no schema validation.
package classify

import (
	"github.com/ordinalsplus/btcoindexer"
	"github.com/ordinalsplus/btcoindexer/lib/metadata"
)

// Kind is the classification outcome.
type Kind string

const (
	// None marks a non-identity inscription.
	None Kind = ""
	// DIDDocument marks metadata shaped like a BTCO DID document.
	DIDDocument Kind = "did-document"
	// VerifiableCredential marks metadata shaped like a W3C verifiable
	// credential.
	VerifiableCredential Kind = "verifiable-credential"
)

// didPrefix is what the id of a BTCO DID document must start with.
const didPrefix = btcoindexer.MethodPrefix + ":"

// Classify inspects a metadata tree and reports its identity shape.
//
// A DID document is a mapping whose "id" is a string prefixed "did:btco:"
// and whose "verificationMethod" is present and non-empty. Failing that, a
// mapping whose "type" list contains "VerifiableCredential" or that has a
// non-empty "credentialSubject" is a verifiable credential. The DID
// document test wins when both shapes overlap. Everything else, including
// non-mapping metadata and absent metadata, is None.
func Classify(md metadata.Value) Kind {
	if _, ok := md.AsMap(); !ok {
		return None
	}
	if isDIDDocument(md) {
		return DIDDocument
	}
	if isVerifiableCredential(md) {
		return VerifiableCredential
	}
	return None
}

func isDIDDocument(md metadata.Value) bool {
	id, ok := md.Field("id")
	if !ok {
		return false
	}
	s, ok := id.AsString()
	if !ok || len(s) < len(didPrefix) || s[:len(didPrefix)] != didPrefix {
		return false
	}
	vm, ok := md.Field("verificationMethod")
	return ok && !vm.IsEmpty()
}

func isVerifiableCredential(md metadata.Value) bool {
	if types, ok := md.Field("type"); ok {
		if elems, ok := types.AsList(); ok {
			for _, e := range elems {
				if s, ok := e.AsString(); ok && s == "VerifiableCredential" {
					return true
				}
			}
		}
	}
	subject, ok := md.Field("credentialSubject")
	return ok && !subject.IsEmpty()
}

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

package classify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ordinalsplus/btcoindexer/lib/metadata"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	didDoc := metadata.NewMap(map[string]metadata.Value{
		"id": metadata.NewString("did:btco:1000"),
		"verificationMethod": metadata.NewList(
			metadata.NewMap(map[string]metadata.Value{
				"type": metadata.NewString("Multikey"),
			}),
		),
	})

	tests := []struct {
		name string
		md   metadata.Value
		want Kind
	}{
		{
			name: "did document",
			md:   didDoc,
			want: DIDDocument,
		},
		{
			name: "did document with wrong method prefix",
			md: metadata.NewMap(map[string]metadata.Value{
				"id":                 metadata.NewString("did:web:example.com"),
				"verificationMethod": metadata.NewList(metadata.NewInt(1)),
			}),
			want: None,
		},
		{
			name: "did id without verification method",
			md: metadata.NewMap(map[string]metadata.Value{
				"id": metadata.NewString("did:btco:1000"),
			}),
			want: None,
		},
		{
			name: "did id with empty verification method",
			md: metadata.NewMap(map[string]metadata.Value{
				"id":                 metadata.NewString("did:btco:1000"),
				"verificationMethod": metadata.NewList(),
			}),
			want: None,
		},
		{
			name: "credential by type",
			md: metadata.NewMap(map[string]metadata.Value{
				"type": metadata.NewList(metadata.NewString("VerifiableCredential")),
			}),
			want: VerifiableCredential,
		},
		{
			name: "credential by subject",
			md: metadata.NewMap(map[string]metadata.Value{
				"credentialSubject": metadata.NewMap(map[string]metadata.Value{
					"id": metadata.NewString("did:btco:42"),
				}),
			}),
			want: VerifiableCredential,
		},
		{
			name: "credential with empty subject",
			md: metadata.NewMap(map[string]metadata.Value{
				"credentialSubject": metadata.NewMap(map[string]metadata.Value{}),
			}),
			want: None,
		},
		{
			name: "type list without credential marker",
			md: metadata.NewMap(map[string]metadata.Value{
				"type": metadata.NewList(metadata.NewString("Something")),
			}),
			want: None,
		},
		{
			name: "did document shape wins over credential shape",
			md: metadata.NewMap(map[string]metadata.Value{
				"id": metadata.NewString("did:btco:1000"),
				"verificationMethod": metadata.NewList(
					metadata.NewString("did:btco:1000#key-0"),
				),
				"type":              metadata.NewList(metadata.NewString("VerifiableCredential")),
				"credentialSubject": metadata.NewMap(map[string]metadata.Value{"x": metadata.NewInt(1)}),
			}),
			want: DIDDocument,
		},
		{
			name: "null metadata",
			md:   metadata.Null(),
			want: None,
		},
		{
			name: "non-mapping metadata",
			md:   metadata.NewString("did:btco:1000"),
			want: None,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.md))
			// Purity: repeated classification never changes.
			require.Equal(t, tc.want, Classify(tc.md))
		})
	}
}

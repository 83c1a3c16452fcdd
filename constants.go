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

// Package btcoindexer holds process-wide constants shared by the indexer
// libraries and tools.
package btcoindexer

const (
	// ComponentKey is the log attribute key carrying the component name.
	ComponentKey = "component"

	// ComponentWorker is the batch-claiming indexing loop.
	ComponentWorker = "worker"

	// ComponentState is the shared redis state layer.
	ComponentState = "state"

	// ComponentProvider is the upstream inscription provider adapter.
	ComponentProvider = "provider"

	// ComponentCache is the in-process inscription/sat cache.
	ComponentCache = "cache"

	// ComponentCLI is the operator command line surface.
	ComponentCLI = "cli"
)

// Version is the indexer release version.
const Version = "0.3.0"

// MethodPrefix is the DID method prefix every derived resource
// identifier starts with.
const MethodPrefix = "did:btco"

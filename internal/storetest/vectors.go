/*
Copyright 2024 The blobvfs Authors

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

package storetest

// GitVector is one known-good (type, content) -> sha1 hex digest pair
// a git-compatible object store must reproduce exactly.
type GitVector struct {
	Type    string
	Content string
	SHA1    string
}

// GitVectors are known-good git-compatibility fixtures. The tests in
// internal/gitobject and pkg/cas do not read this table; they spell
// the same digests out literally.
var GitVectors = []GitVector{
	{Type: "blob", Content: "", SHA1: "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"},
	{Type: "blob", Content: "hello", SHA1: "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0"},
	{Type: "blob", Content: "what is up, doc?", SHA1: "bd9dbf5aae1a3862dd1526723246b20206e5fc37"},
}

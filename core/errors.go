// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package core

import "errors"

// Domain validation errors
var (
	// ErrEmptyRecord indicates a record with no fields.
	ErrEmptyRecord = errors.New("record has no fields")

	// ErrEmptyFieldName indicates a schema field with an empty name.
	ErrEmptyFieldName = errors.New("field name cannot be empty")

	// ErrDuplicateField indicates the same field declared twice.
	ErrDuplicateField = errors.New("duplicate field in schema")

	// ErrUnknownEmbedField indicates the embed field is not in the schema.
	ErrUnknownEmbedField = errors.New("embed field not declared in schema")

	// ErrIncompleteRelationship indicates a relationship spec missing a
	// source field, target label, or relationship type.
	ErrIncompleteRelationship = errors.New("incomplete relationship spec")
)

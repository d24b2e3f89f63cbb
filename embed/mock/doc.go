// Package mock provides a test double for embed.Embedder with
// deterministic default behavior and function-field behavior injection.
package mock

// Package embed provides text embedding generation for vector backends.
//
// The Embedder interface abstracts the embedding service; the OpenAI
// implementation talks to any OpenAI-compatible API via langchaingo.
// A deterministic test double lives in embed/mock.
package embed

// Package chunker splits parsed document text into ordered, overlapping
// chunks sized for embedding.
//
// Sizes and offsets are measured in runes. Each chunk owns a core span;
// consecutive core spans tile the text exactly, and a chunk additionally
// repeats up to Overlap runes preceding its core span. Concatenating the
// core spans in order therefore reproduces the input.
//
// The recursive strategy packs paragraphs, falling back to sentences for
// paragraphs that exceed the core budget and to hard cuts for sentences
// that still do. The fixed strategy only hard cuts.
//
// Output depends on nothing but the text and the Config, so reprocessing
// a document always yields the same chunks.
package chunker

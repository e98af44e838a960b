// Package textsplit segments document text into overlapping chunks.
//
// Sizes are measured with CountTokens, which counts whitespace-delimited
// words. It undercounts real tokenizer output, and every budget constant in
// the pipeline is tuned against it, so it is the only estimator the
// pipeline uses.
//
// Chunks are exact byte ranges of the input. Consecutive chunks share up to
// the configured number of trailing words, and Reconstruct removes those
// shared regions to recover the original text.
package textsplit

// Package transcribe turns speech segments into text with a Parakeet
// token-and-duration transducer.
//
// Decode implements greedy TDT decoding over encoder frames. Engine wraps
// a loaded model set (features, encoder, prediction network, joiner and
// vocabulary) and swaps it between CPU and GPU backends under memory
// pressure. LoadONNX loads the sherpa-onnx style graphs through
// onnxruntime.
package transcribe

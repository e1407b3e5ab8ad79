// Package inference connects the detection pipeline to a recurrent speech
// model. It defines the Backend capability, resolves the tensor layout from
// backend metadata, and assembles batches for the two model conventions:
// legacy windows, and windows prefixed with context from the preceding audio.
// The recurrent state is carried between calls strictly in chunk order.
//
// The energy backend is always available. Building with the onnx tag adds
// the onnx backend for Silero models through ONNX Runtime.
package inference

// Package stream implements the pull-based buffered stream that feeds PCM
// bytes into a detection run. A stream reads from standard input, a file, or
// the stdout of a transcoding subprocess, and turns end-of-file and I/O
// failures into a terminal state that keeps returning zero-filled windows.
package stream

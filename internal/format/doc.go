// Package format derives codec decode configurations from the leading bytes
// of elementary stream access units: ADTS headers for AAC and Annex B
// parameter sets for H.264 and H.265.
package format

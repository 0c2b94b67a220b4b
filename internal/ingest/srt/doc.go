// Package srt implements SRT (Secure Reliable Transport) ingest of MPEG-TS,
// both listener-mode (Server) for accepting incoming publish connections and
// caller-mode (Caller) for pulling streams from remote SRT sources.
package srt

package bingx

import (
	"bytes"
	"compress/gzip"
	"io"
	"strconv"
	"time"
)

// inflate gunzips a frame; BingX compresses most payloads but control text
// sometimes arrives raw, so plain frames pass through unchanged.
func inflate(msg []byte) []byte {
	zr, err := gzip.NewReader(bytes.NewReader(msg))
	if err != nil {
		return msg
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return msg
	}
	return out
}

// pingCodec implements BingX's literal "Ping"/"Pong" text heartbeat.
// Inbound frames are gzip-compressed, so pong detection inflates first.
type pingCodec struct{}

func (pingCodec) Ping() []byte { return []byte("Ping") }

func (pingCodec) IsPong(msg []byte) bool {
	return bytes.Equal(inflate(msg), []byte("Pong"))
}

func nowMillis() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charconstpointer/trickle/internal/config"
)

// Positional arguments, in order:
//
//	CHUNK_BYTES INTERVAL_MS PORT [PAYLOAD_FILE [REPEAT [MAX_BYTES]]]
const (
	argChunk = iota
	argInterval
	argPort
	argPayload
	argRepeat
	argMaxBytes

	minArgs = argPort + 1
	maxArgs = argMaxBytes + 1
)

const usageArgs = "[CHUNK_BYTES INTERVAL_MS PORT [PAYLOAD_FILE [REPEAT [MAX_BYTES]]]]"

// applyArgs copies positional arguments onto cfg.
func applyArgs(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return nil
	}
	if len(args) < minArgs || len(args) > maxArgs {
		return fmt.Errorf("expected between %d and %d arguments, got %d: %s", minArgs, maxArgs, len(args), usageArgs)
	}

	chunk, err := strconv.Atoi(args[argChunk])
	if err != nil {
		return fmt.Errorf("chunk size %q is not a number", args[argChunk])
	}
	ms, err := strconv.ParseInt(args[argInterval], 10, 64)
	if err != nil {
		return fmt.Errorf("interval %q is not a number of milliseconds", args[argInterval])
	}
	port, err := strconv.ParseUint(args[argPort], 10, 16)
	if err != nil {
		return fmt.Errorf("port %q is not a number between 0 and 65535", args[argPort])
	}
	cfg.ChunkSize = chunk
	cfg.Interval = config.Duration(time.Duration(ms) * time.Millisecond)
	cfg.Port = int(port)

	if len(args) > argPayload {
		cfg.Payload = args[argPayload]
	}
	if len(args) > argRepeat {
		switch strings.ToLower(args[argRepeat]) {
		case "true":
			cfg.Repeat = true
		case "false":
			cfg.Repeat = false
		default:
			return fmt.Errorf("repeat %q is not true or false", args[argRepeat])
		}
	}
	if len(args) > argMaxBytes {
		maxBytes, err := strconv.Atoi(args[argMaxBytes])
		if err != nil {
			return fmt.Errorf("max bytes %q is not a number", args[argMaxBytes])
		}
		cfg.MaxBytes = maxBytes
	}
	return nil
}

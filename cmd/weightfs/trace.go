package main

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"
)

// readTrace parses a request trace: one or more layer ids per line, split on
// whitespace or commas. Lines starting with '#' are comments. path "-" reads
// from stdin.
func readTrace(path string) ([]int, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	var trace []int
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, field := range strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		}) {
			id, err := strconv.Atoi(field)
			if err != nil {
				return nil, fmt.Errorf("trace line %d: invalid layer id %q", lineNo, field)
			}
			trace = append(trace, id)
		}
	}
	return trace, scanner.Err()
}

// syntheticTrace generates a request trace with a known shape, for exercising
// the detector and the eviction strategies without a recorded workload.
func syntheticTrace(shape string, layerCount, length int, seed int64) ([]int, error) {
	if layerCount <= 0 || length <= 0 {
		return nil, fmt.Errorf("layer count and trace length must be positive")
	}
	rng := rand.New(rand.NewSource(seed))
	trace := make([]int, length)

	switch shape {
	case "sequential":
		for i := range trace {
			trace[i] = i % layerCount
		}
	case "repeated":
		// A small hot set visited round-robin.
		hot := layerCount / 4
		if hot < 2 {
			hot = 2
		}
		if hot > layerCount {
			hot = layerCount
		}
		for i := range trace {
			trace[i] = i % hot
		}
	case "random":
		for i := range trace {
			trace[i] = rng.Intn(layerCount)
		}
	default:
		return nil, fmt.Errorf("unknown trace shape %q (want sequential, repeated, or random)", shape)
	}
	return trace, nil
}

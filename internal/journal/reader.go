package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"prorata/internal/model"
)

// Stats summarizes one replay pass over a journal file.
type Stats struct {
	Events  int
	LastSeq uint64
	// TornTail is set when the final line is unparseable, which is what
	// a crash mid-append leaves behind. Earlier corruption is an error.
	TornTail bool
}

const maxLine = 1 << 20

// Replay streams every event in the file through apply, in file order.
// A missing file is an empty journal. A garbled final line is tolerated
// and reported through Stats; garbled lines anywhere else fail the
// replay, since appends never reorder.
func Replay(path string, apply func(model.Event) error) (Stats, error) {
	var stats Stats

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	lineNo := 0
	var torn error
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if torn != nil {
			return stats, fmt.Errorf("journal line %d: %w", lineNo-1, torn)
		}
		if len(line) == 0 {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			torn = err
			continue
		}
		if err := apply(ev); err != nil {
			return stats, fmt.Errorf("journal line %d (seq %d): %w", lineNo, ev.Seq, err)
		}
		stats.Events++
		stats.LastSeq = ev.Seq
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read journal: %w", err)
	}
	stats.TornTail = torn != nil
	return stats, nil
}

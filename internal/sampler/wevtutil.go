package sampler

import (
	"context"
	"encoding/xml"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// WevtutilProbe is an exec-based LogProbe that shells out to the wevtutil
// query tool and parses its XML output. Available only where the tool exists;
// per-call failures surface as errors the sampler tolerates.
type WevtutilProbe struct{}

// wevtEvent mirrors the subset of the rendered event XML the sampler needs.
type wevtEvent struct {
	System struct {
		EventID       string `xml:"EventID"`
		EventRecordID uint64 `xml:"EventRecordID"`
		TimeCreated   struct {
			SystemTime string `xml:"SystemTime,attr"`
		} `xml:"TimeCreated"`
	} `xml:"System"`
	EventData struct {
		Data []struct {
			Value string `xml:",chardata"`
		} `xml:"Data"`
	} `xml:"EventData"`
}

type wevtEvents struct {
	Events []wevtEvent `xml:"Event"`
}

// Latest returns the newest record id in channel.
func (WevtutilProbe) Latest(ctx context.Context, channel string) (uint64, error) {
	records, err := query(ctx, channel, "/c:1", "/rd:true")
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	return records[0].RecordID, nil
}

// ReadSince returns the records in channel with id strictly greater than
// after, oldest first.
func (WevtutilProbe) ReadSince(ctx context.Context, channel string, after uint64) ([]LogRecord, error) {
	return query(ctx, channel, fmt.Sprintf("/q:*[System[(EventRecordID > %d)]]", after))
}

func query(ctx context.Context, channel string, extra ...string) ([]LogRecord, error) {
	args := append([]string{"qe", channel, "/f:xml"}, extra...)
	out, err := exec.CommandContext(ctx, "wevtutil", args...).Output()
	if err != nil {
		return nil, fmt.Errorf("sampler: wevtutil query %q: %w", channel, err)
	}
	return parseEvents(out)
}

// parseEvents parses wevtutil's output, a bare sequence of <Event> elements.
func parseEvents(out []byte) ([]LogRecord, error) {
	var parsed wevtEvents
	wrapped := "<Events>" + string(out) + "</Events>"
	if err := xml.Unmarshal([]byte(wrapped), &parsed); err != nil {
		return nil, fmt.Errorf("sampler: parsing wevtutil output: %w", err)
	}

	records := make([]LogRecord, 0, len(parsed.Events))
	for _, ev := range parsed.Events {
		id, err := strconv.Atoi(strings.TrimSpace(ev.System.EventID))
		if err != nil {
			continue
		}
		strs := make([]string, len(ev.EventData.Data))
		for i, d := range ev.EventData.Data {
			strs[i] = d.Value
		}
		records = append(records, LogRecord{
			RecordID:    ev.System.EventRecordID,
			EventID:     id,
			TimeCreated: ev.System.TimeCreated.SystemTime,
			Strings:     strs,
		})
	}
	return records, nil
}

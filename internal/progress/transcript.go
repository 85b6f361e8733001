package progress

import "time"

const defaultTranscriptLimit = 200

// TranscriptEntry is one line of the AI mapping conversation for a task.
type TranscriptEntry struct {
	Kind       Kind      `json:"kind"`
	SheetName  string    `json:"sheetName,omitempty"`
	Message    string    `json:"message,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	At         time.Time `json:"at"`
}

func (s *Store) appendTranscriptLocked(taskID string, entry TranscriptEntry) {
	entries := append(s.transcripts[taskID], entry)
	if over := len(entries) - s.transcriptLimit; over > 0 {
		entries = append([]TranscriptEntry(nil), entries[over:]...)
	}
	s.transcripts[taskID] = entries
}

// Transcript returns the retained AI entries for a task, oldest first.
func (s *Store) Transcript(taskID string) []TranscriptEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.transcripts[taskID]
	out := make([]TranscriptEntry, len(entries))
	for i, entry := range entries {
		entry.Confidence = cloneFloat(entry.Confidence)
		out[i] = entry
	}
	return out
}

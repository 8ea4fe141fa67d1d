package identity

import "strings"

// topicVocabulary is scanned in order against summaries; matches keep this
// order so prompt flavoring stays stable across calls.
var topicVocabulary = []string{
	"pricing", "booking", "product", "support",
	"delivery", "refund", "availability", "location",
}

// maxTopics caps the extracted list; topics feed human-readable prompt
// flavoring only, never scoring.
const maxTopics = 5

// ExtractTopics scans the summary case-insensitively for known topics and
// returns them in vocabulary order, capped at maxTopics.
func ExtractTopics(summary string) []string {
	if summary == "" {
		return nil
	}
	lower := strings.ToLower(summary)

	var topics []string
	for _, t := range topicVocabulary {
		if strings.Contains(lower, t) {
			topics = append(topics, t)
			if len(topics) == maxTopics {
				break
			}
		}
	}
	return topics
}

package cache

import "fmt"

// Key semantics:
// - recentUpdatesKey(docID): bounded list of the document's most recent
//   update payloads (List<payload>), sliding TTL refreshed on every push.

const keyRecentUpdatesFmt = "doc:%s:recent_updates"

func recentUpdatesKey(docID string) string { return fmt.Sprintf(keyRecentUpdatesFmt, docID) }

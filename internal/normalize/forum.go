package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/social-ingest/internal/crawler"
)

// forumItem is the subset of a thread post the normalizer reads.
type forumItem struct {
	No       int64  `json:"no"`
	Resto    int64  `json:"resto"`
	Time     int64  `json:"time"`
	Name     string `json:"name"`
	Trip     string `json:"trip"`
	Subject  string `json:"sub"`
	Comment  string `json:"com"`
	Tim      int64  `json:"tim"`
	Ext      string `json:"ext"`
	Filename string `json:"filename"`
}

func forumPost(target crawler.Target, item crawler.RawItem) (crawler.CanonicalPost, error) {
	var raw forumItem
	if err := json.Unmarshal(item.Data, &raw); err != nil {
		return crawler.CanonicalPost{}, skip("decode forum item")
	}
	if raw.No <= 0 {
		return crawler.CanonicalPost{}, skip("forum item without number")
	}
	if raw.Time <= 0 {
		return crawler.CanonicalPost{}, skip("forum item without timestamp")
	}

	thread := item.Container
	if thread == "" {
		thread = strconv.FormatInt(raw.No, 10)
		if raw.Resto > 0 {
			thread = strconv.FormatInt(raw.Resto, 10)
		}
	}

	text := joinNonEmpty("\n", HTMLText(raw.Subject), HTMLText(raw.Comment))
	hasMedia := raw.Tim != 0 || raw.Ext != ""
	if text == "" && !hasMedia {
		return crawler.CanonicalPost{}, skip("forum item without body")
	}

	author := raw.Name
	if raw.Trip != "" {
		author += raw.Trip
	}

	return crawler.CanonicalPost{
		Source:       crawler.PlatformForum,
		NativeID:     target.Identifier + "/" + thread + "/" + strconv.FormatInt(raw.No, 10),
		ParentThread: &thread,
		Author:       author,
		CreatedAt:    time.Unix(raw.Time, 0).UTC(),
		Text:         text,
		Body:         append(json.RawMessage(nil), item.Data...),
		HasMedia:     hasMedia,
	}, nil
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}

package vectorstore

import (
	"strconv"
	"strings"

	"github.com/iammorganparry/clive/apps/engram/internal/backend"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
)

// metaMatches applies filters to index metadata using the same rules as
// Filters.Match so every backend agrees on what a filter means.
func metaMatches(meta backend.Metadata, f models.Filters) bool {
	return f.Match(&models.Record{
		Type:      meta.Type,
		Project:   meta.Project,
		Tags:      meta.Tags,
		CreatedAt: meta.CreatedAt,
		Archived:  meta.Archived,
		State:     models.StateEpisodic,
	})
}

// flatMetadata encodes meta as string pairs for stores that only keep
// string metadata.
func flatMetadata(meta backend.Metadata) map[string]string {
	return map[string]string{
		"record_type": string(meta.Type),
		"project":     meta.Project,
		"tags":        strings.Join(meta.Tags, ","),
		"created_at":  strconv.FormatInt(meta.CreatedAt, 10),
		"archived":    strconv.FormatBool(meta.Archived),
	}
}

func parseFlatMetadata(m map[string]string) backend.Metadata {
	meta := backend.Metadata{
		Type:    models.RecordType(m["record_type"]),
		Project: m["project"],
	}
	if t := m["tags"]; t != "" {
		meta.Tags = strings.Split(t, ",")
	}
	meta.CreatedAt, _ = strconv.ParseInt(m["created_at"], 10, 64)
	meta.Archived, _ = strconv.ParseBool(m["archived"])
	return meta
}

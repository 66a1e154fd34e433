// Package stats builds the per-VOD emote usage snapshot consumed by the static
// site and writes it to the stats JSON file.
package stats

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Container is the top-level stats document keyed by VOD id.
type Container struct {
	Data map[string]VodEmoteStat `json:"data"`
}

// VodInfo describes a VOD in the exported document.
type VodInfo struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Created   time.Time `json:"created"`
	Published time.Time `json:"published"`
}

// EmoteUser is one commenter's usage of an emote within a VOD.
type EmoteUser struct {
	DisplayName string `json:"display_name"`
	UseIndex    int    `json:"use_index"`
}

// EmoteInfo lists the users of one tracked emote within a VOD.
type EmoteInfo struct {
	Name  string      `json:"name"`
	Users []EmoteUser `json:"users"`
}

// VodEmoteStat pairs VOD metadata with its emote usage lists.
type VodEmoteStat struct {
	Info   VodInfo     `json:"info"`
	Emotes []EmoteInfo `json:"emotes"`
}

// BuildSnapshot assembles the stats document from tallied VODs. The emotes
// slice fixes the emote ordering; every tracked emote appears for every VOD,
// with an empty users list when nobody used it.
func BuildSnapshot(ctx context.Context, dbc *sql.DB, emotes []string) (*Container, error) {
	out := &Container{Data: map[string]VodEmoteStat{}}

	rows, err := dbc.QueryContext(ctx, `SELECT twitch_vod_id, COALESCE(title,''), date, COALESCE(published_at, date)
		FROM vods WHERE COALESCE(processed,false)=true AND twitch_vod_id NOT LIKE 'live-%' ORDER BY date ASC`)
	if err != nil {
		return nil, fmt.Errorf("query tallied vods: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type vodRow struct {
		info VodInfo
	}
	var vods []vodRow
	for rows.Next() {
		var v VodInfo
		if err := rows.Scan(&v.ID, &v.Title, &v.Created, &v.Published); err != nil {
			return nil, err
		}
		vods = append(vods, vodRow{info: v})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, v := range vods {
		usageRows, err := dbc.QueryContext(ctx, `SELECT emote, display_name, uses FROM emote_usages
			WHERE vod_id=$1 ORDER BY uses DESC, display_name ASC`, v.info.ID)
		if err != nil {
			return nil, fmt.Errorf("query usages for vod %s: %w", v.info.ID, err)
		}
		byEmote := map[string][]EmoteUser{}
		for usageRows.Next() {
			var emoteName, displayName string
			var uses int
			if err := usageRows.Scan(&emoteName, &displayName, &uses); err != nil {
				_ = usageRows.Close()
				return nil, err
			}
			byEmote[emoteName] = append(byEmote[emoteName], EmoteUser{DisplayName: displayName, UseIndex: uses})
		}
		_ = usageRows.Close()

		stat := VodEmoteStat{Info: v.info, Emotes: make([]EmoteInfo, 0, len(emotes))}
		for _, name := range emotes {
			users := byEmote[name]
			if users == nil {
				users = []EmoteUser{}
			}
			stat.Emotes = append(stat.Emotes, EmoteInfo{Name: name, Users: users})
			delete(byEmote, name)
		}
		// Emotes tallied in the past but since removed from the config still
		// carry their historical data, appended in stable order.
		if len(byEmote) > 0 {
			extra := make([]string, 0, len(byEmote))
			for name := range byEmote {
				extra = append(extra, name)
			}
			sort.Strings(extra)
			for _, name := range extra {
				stat.Emotes = append(stat.Emotes, EmoteInfo{Name: name, Users: byEmote[name]})
			}
		}
		out.Data[v.info.ID] = stat
	}
	return out, nil
}

// WriteSnapshot marshals the container with two-space indentation and writes it
// atomically. Returns false when the file already holds identical content, so
// callers can skip an unnecessary publish.
func WriteSnapshot(path string, c *Container) (bool, error) {
	payload, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return false, err
	}
	payload = append(payload, '\n')

	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, payload) {
		return false, nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("mkdir stats dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return false, fmt.Errorf("write snapshot tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return false, fmt.Errorf("rename snapshot: %w", err)
	}
	return true, nil
}

// ReadSnapshot loads an existing stats file; a missing file yields an empty container.
func ReadSnapshot(path string) (*Container, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Container{Data: map[string]VodEmoteStat{}}, nil
	}
	if err != nil {
		return nil, err
	}
	var c Container
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse stats file %s: %w", path, err)
	}
	if c.Data == nil {
		c.Data = map[string]VodEmoteStat{}
	}
	return &c, nil
}

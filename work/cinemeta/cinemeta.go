package cinemeta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"aio-proxy/work/cache"
	"aio-proxy/work/client"
	"aio-proxy/work/logger"
	"aio-proxy/work/types"
)

// Video is one episode entry of a series.
type Video struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Title   string `json:"title"`
	Season  int    `json:"season"`
	Episode int    `json:"episode"`
}

// DisplayName is the episode name, falling back to the alternative title field.
func (v Video) DisplayName() string {
	if v.Name != "" {
		return v.Name
	}
	return v.Title
}

// Meta is the subset of a catalog meta document the add-on uses.
type Meta struct {
	ID     string  `json:"id"`
	Type   string  `json:"type"`
	Name   string  `json:"name"`
	Videos []Video `json:"videos"`
}

type metaResponse struct {
	Meta *Meta `json:"meta"`
}

// Client reads meta documents from a Cinemeta-compatible catalog.
type Client struct {
	baseURL string
	http    *client.HeaderSettingClient
	cache   *cache.MetaCache
}

// New creates a catalog client. cache may be nil.
func New(baseURL string, hc *client.HeaderSettingClient, mc *cache.MetaCache) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		cache:   mc,
	}
}

// Meta fetches the meta document for a movie or series id.
func (c *Client) Meta(ctx context.Context, kind, id string) (*Meta, error) {
	key := kind + "/" + id

	if c.cache != nil {
		if data, ok := c.cache.Get(key); ok {
			var resp metaResponse
			if err := json.Unmarshal(data, &resp); err == nil && resp.Meta != nil {
				return resp.Meta, nil
			}
		}
	}

	metaURL := fmt.Sprintf("%s/meta/%s/%s.json", c.baseURL, kind, url.PathEscape(id))

	var raw json.RawMessage
	if err := c.http.GetJSON(ctx, metaURL, &raw); err != nil {
		return nil, fmt.Errorf("cinemeta %s: %w", key, err)
	}

	var resp metaResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("cinemeta %s: %w", key, err)
	}
	if resp.Meta == nil {
		return nil, fmt.Errorf("cinemeta %s: no meta in response", key)
	}

	if c.cache != nil {
		c.cache.Set(key, raw)
	}
	return resp.Meta, nil
}

// SeasonEpisodes lists the episode numbers of one season in ascending order.
func (c *Client) SeasonEpisodes(ctx context.Context, seriesID string, season int) ([]Video, error) {
	meta, err := c.Meta(ctx, types.KindSeries, seriesID)
	if err != nil {
		return nil, err
	}

	var episodes []Video
	for _, v := range meta.Videos {
		if v.Season == season && v.Episode > 0 {
			episodes = append(episodes, v)
		}
	}
	sort.SliceStable(episodes, func(i, j int) bool { return episodes[i].Episode < episodes[j].Episode })
	return episodes, nil
}

// Title builds a human readable title for id: the movie name, or
// "<series> - <episode name>" with "S<s>E<e>" when the episode is unknown.
// Lookup failures degrade to "Unknown Title".
func (c *Client) Title(ctx context.Context, id types.MediaID) string {
	meta, err := c.Meta(ctx, id.Kind, id.ID)
	if err != nil {
		logger.Debug("{cinemeta/cinemeta - Title} lookup failed for %s: %v", id, err)
		if id.IsSeries() {
			return fmt.Sprintf("Unknown Title - S%dE%d", id.Season, id.Episode)
		}
		return "Unknown Title"
	}

	name := meta.Name
	if name == "" {
		name = "Unknown Title"
	}
	if !id.IsSeries() {
		return name
	}

	for _, v := range meta.Videos {
		if v.Season == id.Season && v.Episode == id.Episode && v.DisplayName() != "" {
			return name + " - " + v.DisplayName()
		}
	}
	return fmt.Sprintf("%s - S%dE%d", name, id.Season, id.Episode)
}

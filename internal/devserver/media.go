// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package devserver

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/storyweave/storyweave/media"
	"github.com/storyweave/storyweave/transport"
)

type resolveResponse struct {
	Items []resolvedItem `json:"items"`
}

type resolvedItem struct {
	ResourceID string        `json:"resourceId"`
	SlotID     string        `json:"slotId"`
	Variant    media.Variant `json:"variant"`
	URL        string        `json:"url"`
	ExpiresAt  time.Time     `json:"expiresAt"`
}

// handleResolve mints a signed URL for every available item. Missing
// items are left out of the reply rather than failing the request.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	s.resolveCalls.Add(1)

	var request media.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.sendRejection(w, http.StatusBadRequest, &transport.RejectedError{
			Code:    transport.RejectInvalidBatch,
			Message: "decoding resolve request: " + err.Error(),
		})
		return
	}

	expiresAt := s.clock.Now().Add(s.urlLifetime).UTC().Truncate(time.Second)
	response := resolveResponse{Items: []resolvedItem{}}
	for _, item := range request.Items {
		key := media.Key{
			Coordinates: media.Coordinates{
				OwnerID:     request.OwnerID,
				ContainerID: request.ContainerID,
				ResourceID:  item.ResourceID,
				SlotID:      item.SlotID,
			},
			Variant: item.Variant,
		}
		if key.Validate() != nil || !key.Variant.Valid() {
			continue
		}
		if s.available != nil && !s.available(key) {
			continue
		}
		response.Items = append(response.Items, resolvedItem{
			ResourceID: item.ResourceID,
			SlotID:     item.SlotID,
			Variant:    item.Variant,
			URL:        s.mintURL(r, key, expiresAt),
			ExpiresAt:  expiresAt,
		})
	}
	s.resolvedItems.Add(int64(len(response.Items)))
	s.writeJSON(w, http.StatusOK, response)
}

// mintURL builds a blob URL on the request's host with an expiry and
// a keyed signature over both.
func (s *Server) mintURL(r *http.Request, key media.Key, expiresAt time.Time) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	path := strings.Join([]string{
		"/v1/blobs",
		url.PathEscape(key.OwnerID),
		url.PathEscape(key.ContainerID),
		url.PathEscape(key.ResourceID),
		url.PathEscape(key.SlotID),
		string(key.Variant),
	}, "/")
	expiry := strconv.FormatInt(expiresAt.Unix(), 10)
	return scheme + "://" + r.Host + path + "?exp=" + expiry + "&sig=" + s.sign(path, expiry)
}

func (s *Server) sign(path, expiry string) string {
	sum := blake3.Sum256([]byte(s.signingSecret + "\n" + path + "\n" + expiry))
	return hex.EncodeToString(sum[:8])
}

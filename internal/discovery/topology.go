// internal/discovery/topology.go
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/FairForge/replimon/internal/vendorapi"
	"go.uber.org/zap"
)

// TopologyConfig holds the optional secondary topology-service
// connection. An empty BaseURL disables topology discovery entirely.
type TopologyConfig struct {
	BaseURL  string
	Username string
	Password string
}

// Enabled reports whether a topology service is configured.
func (c TopologyConfig) Enabled() bool {
	return c.BaseURL != ""
}

// topologyPaths is the fixed set of collection endpoints probed on the
// topology service. Different service versions expose different
// subsets; missing paths are not errors.
var topologyPaths = []string{
	"/api/v1/storages",
	"/api/v1/nodes",
	"/api/v1/flows",
	"/api/v1/status",
}

// collectionKeys are the response keys tried, in order, before falling
// back to the first array-valued field in the body.
var collectionKeys = []string{"data", "storages", "nodes", "flows", "items", "results"}

// Extraction is the tagged result of pulling a collection out of a
// topology-service response: either the key that matched and its
// items, or the raw keys seen so failures stay diagnosable.
type Extraction struct {
	Found   bool
	Key     string
	Items   []map[string]interface{}
	RawKeys []string
}

// extractCollection tries each candidate key in order, then any other
// array-valued field. Service versions rename collection keys freely;
// the shape of the items is all that matters downstream.
func extractCollection(body []byte, candidates []string) Extraction {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		// Not an object; maybe a bare array.
		var items []map[string]interface{}
		if err := json.Unmarshal(body, &items); err == nil {
			return Extraction{Found: true, Key: "", Items: items}
		}
		return Extraction{}
	}

	tryKey := func(key string) ([]map[string]interface{}, bool) {
		raw, ok := payload[key]
		if !ok {
			return nil, false
		}
		var items []map[string]interface{}
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, false
		}
		return items, true
	}

	for _, key := range candidates {
		if items, ok := tryKey(key); ok {
			return Extraction{Found: true, Key: key, Items: items}
		}
	}

	// Fallback: the first array-valued field, in stable key order.
	keys := make([]string, 0, len(payload))
	for key := range payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if items, ok := tryKey(key); ok {
			return Extraction{Found: true, Key: key, Items: items}
		}
	}

	return Extraction{RawKeys: keys}
}

// topologyLogin exchanges Basic credentials for a bearer token. Some
// service builds return the token in the body, others only set a
// session cookie; both shapes are accepted.
func (s *Service) topologyLogin(ctx context.Context) (map[string]string, error) {
	resp, err := s.client.Execute(ctx, vendorapi.Request{
		Method: http.MethodPost,
		URL:    s.topology.BaseURL + "/api/v1/login",
		Auth:   &vendorapi.BasicAuth{Username: s.topology.Username, Password: s.topology.Password},
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: topology login: %w", err)
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"accessToken"`
		SessionID   string `json:"sessionId"`
	}
	_ = json.Unmarshal(resp.Body, &body)

	headers := map[string]string{}
	switch {
	case body.Token != "":
		headers["Authorization"] = "Bearer " + body.Token
	case body.AccessToken != "":
		headers["Authorization"] = "Bearer " + body.AccessToken
	case body.SessionID != "":
		headers["Cookie"] = "sessionId=" + body.SessionID
	}
	return headers, nil
}

// discoverFromTopology probes the known collection paths and upserts
// every storage endpoint it can identify. An absent service or empty
// collections mean discovery simply falls through to the per-array
// method; only transport-level failures are returned.
func (s *Service) discoverFromTopology(ctx context.Context) (int, error) {
	headers, err := s.topologyLogin(ctx)
	if err != nil {
		return 0, err
	}

	found := 0
	for _, path := range topologyPaths {
		resp, err := s.client.Execute(ctx, vendorapi.Request{
			Method:  http.MethodGet,
			URL:     s.topology.BaseURL + path,
			Headers: headers,
		})
		if err != nil {
			s.logger.Debug("topology path not available",
				zap.String("path", path), zap.Error(err))
			continue
		}

		extraction := extractCollection(resp.Body, collectionKeys)
		if !extraction.Found {
			s.logger.Debug("no collection in topology response",
				zap.String("path", path),
				zap.Strings("rawKeys", extraction.RawKeys))
			continue
		}

		for _, item := range extraction.Items {
			endpoint, ok := endpointFromTopologyItem(item)
			if !ok {
				continue
			}
			if err := s.store.UpsertEndpoint(ctx, &endpoint); err != nil {
				s.logger.Warn("topology endpoint upsert failed",
					zap.String("endpoint", endpoint.ID), zap.Error(err))
				continue
			}
			found++
		}
	}

	return found, nil
}

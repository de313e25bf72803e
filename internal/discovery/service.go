// internal/discovery/service.go
package discovery

import (
	"context"
	"fmt"

	"github.com/FairForge/replimon/internal/session"
	"github.com/FairForge/replimon/internal/store"
	"github.com/FairForge/replimon/internal/vendorapi"
	"go.uber.org/zap"
)

// pageSize is the pair-listing batch size. The direct pair query is
// documented to return nothing beyond roughly 1200 pairs; callers fall
// back to journal-derived volume counts in that case.
const pageSize = 500

// Store is the persistence contract discovery writes through.
type Store interface {
	UpsertEndpoint(ctx context.Context, e *store.Endpoint) error
	ListEndpoints(ctx context.Context, endpointType string, monitoredOnly bool) ([]store.Endpoint, error)
	UpsertConsistencyGroup(ctx context.Context, g *store.ConsistencyGroup) error
	ReplacePairs(ctx context.Context, groupID int, endpointID string, pairs []store.Pair) error
}

// Sessions is the slice of the session manager discovery needs. The
// remote variant backs the two-token copy-group query.
type Sessions interface {
	GetSession(ctx context.Context, endpointID string) (session.Session, error)
	GetRemoteSession(ctx context.Context, localID, remoteID string) (session.RemoteSession, error)
}

// Service discovers endpoints, replication pairs and consistency
// groups, preferring the topology service and falling back to direct
// per-array queries.
type Service struct {
	client          *vendorapi.Client
	sessions        Sessions
	store           Store
	topology        TopologyConfig
	replicationType string
	logger          *zap.Logger
}

// NewService creates a discovery service. topology may be the zero
// value when no topology service is configured.
func NewService(client *vendorapi.Client, sessions Sessions, st Store, topology TopologyConfig, replicationType string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if replicationType == "" {
		replicationType = "UR"
	}
	return &Service{
		client:          client,
		sessions:        sessions,
		store:           st,
		topology:        topology,
		replicationType: replicationType,
		logger:          logger,
	}
}

// Result summarizes one full discovery run.
type Result struct {
	TopologyEndpoints int      `json:"topologyEndpoints"`
	ArraysScanned     int      `json:"arraysScanned"`
	GroupsFound       int      `json:"groupsFound"`
	Errors            []string `json:"errors,omitempty"`
}

// RunFullDiscovery first tries topology-service discovery when one is
// configured, then runs per-array discovery for every monitored array
// endpoint. Topology absence is not an error; per-array failures are
// collected per endpoint without aborting the run.
func (s *Service) RunFullDiscovery(ctx context.Context) (Result, error) {
	var result Result

	if s.topology.Enabled() {
		n, err := s.discoverFromTopology(ctx)
		if err != nil {
			// Topology is a best-effort source, never fatal.
			s.logger.Warn("topology discovery unavailable", zap.Error(err))
			result.Errors = append(result.Errors, fmt.Sprintf("topology: %v", err))
		} else {
			result.TopologyEndpoints = n
		}
	}

	endpoints, err := s.store.ListEndpoints(ctx, "array", true)
	if err != nil {
		return result, fmt.Errorf("discovery: list endpoints: %w", err)
	}

	for _, endpoint := range endpoints {
		groups, err := s.DiscoverConsistencyGroups(ctx, endpoint.ID)
		if err != nil {
			s.logger.Warn("per-array discovery failed",
				zap.String("endpoint", endpoint.ID), zap.Error(err))
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", endpoint.ID, err))
			continue
		}
		result.ArraysScanned++
		result.GroupsFound += groups
	}

	return result, nil
}

// DiscoverEndpoints runs only the topology-service endpoint discovery.
func (s *Service) DiscoverEndpoints(ctx context.Context) (int, error) {
	if !s.topology.Enabled() {
		return 0, nil
	}
	return s.discoverFromTopology(ctx)
}

// DiscoverConsistencyGroups queries one array for its journals and
// replication pairs, groups them by consistency-group id, classifies
// group health, and persists the canonical groups. Returns the number
// of groups found.
func (s *Service) DiscoverConsistencyGroups(ctx context.Context, endpointID string) (int, error) {
	sess, err := s.sessions.GetSession(ctx, endpointID)
	if err != nil {
		return 0, fmt.Errorf("discovery: session for %s: %w", endpointID, err)
	}

	journals, err := s.client.GetJournals(ctx, sess.BaseURL, sess.Token, vendorapi.JournalInfoBasic)
	if err != nil {
		return 0, fmt.Errorf("discovery: journals for %s: %w", endpointID, err)
	}

	pairs, err := s.client.ListAllRemoteCopyPairs(ctx, sess.BaseURL, sess.Token, s.replicationType, pageSize)
	if err != nil {
		// The pair query is a known scale casualty; journals alone
		// still yield groups and volume counts.
		s.logger.Warn("pair listing failed, continuing with journals only",
			zap.String("endpoint", endpointID), zap.Error(err))
		pairs = nil
	}

	if len(pairs) == 0 {
		pairs = s.copyGroupPairs(ctx, endpointID, sess)
	}

	groups := s.buildGroups(endpointID, journals, pairs)

	for _, g := range groups {
		if err := s.store.UpsertConsistencyGroup(ctx, g.group); err != nil {
			return 0, fmt.Errorf("discovery: persist group %d: %w", g.group.GroupID, err)
		}
		if err := s.store.ReplacePairs(ctx, g.group.GroupID, endpointID, g.pairs); err != nil {
			return 0, fmt.Errorf("discovery: persist pairs for group %d: %w", g.group.GroupID, err)
		}
	}

	s.logger.Info("consistency groups discovered",
		zap.String("endpoint", endpointID),
		zap.Int("groups", len(groups)),
		zap.Int("pairs", len(pairs)))

	return len(groups), nil
}

// copyGroupPairs recovers pairs through the remote mirror copy-group
// query when the direct listing returned nothing, which happens both
// for pairless arrays and beyond the direct query's scale limit. Every
// other known array is tried as the remote side; failures only cost
// the one remote.
func (s *Service) copyGroupPairs(ctx context.Context, endpointID string, local session.Session) []vendorapi.CopyPairRecord {
	remotes, err := s.store.ListEndpoints(ctx, "array", true)
	if err != nil {
		s.logger.Warn("endpoint listing for copy-group fallback failed",
			zap.String("endpoint", endpointID), zap.Error(err))
		return nil
	}

	var pairs []vendorapi.CopyPairRecord
	for _, remote := range remotes {
		if remote.ID == endpointID {
			continue
		}
		rs, err := s.sessions.GetRemoteSession(ctx, endpointID, remote.ID)
		if err != nil {
			s.logger.Debug("remote session unavailable for copy-group query",
				zap.String("remote", remote.ID), zap.Error(err))
			continue
		}
		groups, err := s.client.GetRemoteCopyGroups(ctx, local.BaseURL, rs.Local.Token, rs.Remote.Token, remote.ID)
		if err != nil {
			s.logger.Debug("copy-group query failed",
				zap.String("remote", remote.ID), zap.Error(err))
			continue
		}
		for _, g := range groups {
			for _, p := range g.CopyPairs {
				if p.RemoteDeviceID == "" {
					p.RemoteDeviceID = remote.ID
				}
				pairs = append(pairs, p)
			}
		}
	}
	return pairs
}

type discoveredGroup struct {
	group *store.ConsistencyGroup
	pairs []store.Pair
}

// buildGroups folds journals and pairs into consistency groups. The
// pair count is the volume count when pairs were returned; otherwise
// the journals' self-reported ldev counts stand in.
func (s *Service) buildGroups(endpointID string, journals []vendorapi.JournalRecord, pairs []vendorapi.CopyPairRecord) []*discoveredGroup {
	byGroup := make(map[int]*discoveredGroup)

	ensure := func(groupID int) *discoveredGroup {
		g, ok := byGroup[groupID]
		if !ok {
			g = &discoveredGroup{group: &store.ConsistencyGroup{
				GroupID:          groupID,
				SourceEndpointID: endpointID,
				Name:             fmt.Sprintf("CG-%03d", groupID),
				Monitored:        true,
			}}
			byGroup[groupID] = g
		}
		return g
	}

	journalStatuses := make(map[int][]string)
	journalLdevs := make(map[int]int)
	for _, j := range journals {
		if j.JournalStatus == vendorapi.MirrorStatusUnused {
			continue
		}
		g := ensure(j.ConsistencyGroupID)
		journalStatuses[g.group.GroupID] = append(journalStatuses[g.group.GroupID], j.JournalStatus)
		journalLdevs[g.group.GroupID] += j.NumOfLdevs
	}

	pairStatuses := make(map[int][]string)
	for _, p := range pairs {
		if p.ReplicationType != s.replicationType {
			continue
		}
		g := ensure(p.ConsistencyGroupID)
		if g.group.TargetEndpointID == "" {
			g.group.TargetEndpointID = p.RemoteDeviceID
		}
		g.pairs = append(g.pairs, store.Pair{
			GroupID:          p.ConsistencyGroupID,
			SourceEndpointID: endpointID,
			PvolLdevID:       p.PvolLdevID,
			SvolLdevID:       p.SvolLdevID,
			PvolJournalID:    p.PvolJournalID,
			SvolJournalID:    p.SvolJournalID,
			PairStatus:       p.PvolStatus,
			FenceLevel:       p.FenceLevel,
			CopyProgress:     p.CopyProgressRate,
		})
		pairStatuses[g.group.GroupID] = append(pairStatuses[g.group.GroupID], p.PvolStatus)
	}

	result := make([]*discoveredGroup, 0, len(byGroup))
	for groupID, g := range byGroup {
		if len(g.pairs) > 0 {
			g.group.VolumeCount = len(g.pairs)
		} else {
			g.group.VolumeCount = journalLdevs[groupID]
		}
		g.group.Health = string(classifyGroupHealth(journalStatuses[groupID], pairStatuses[groupID]))
		result = append(result, g)
	}
	return result
}

// endpointFromTopologyItem pulls an endpoint out of a loosely-shaped
// topology item. Items without a recognizable id are skipped.
func endpointFromTopologyItem(item map[string]interface{}) (store.Endpoint, bool) {
	str := func(keys ...string) string {
		for _, key := range keys {
			if v, ok := item[key].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}

	id := str("storageDeviceId", "deviceId", "serialNumber", "id")
	if id == "" {
		return store.Endpoint{}, false
	}

	return store.Endpoint{
		ID:         id,
		Name:       firstNonEmpty(str("name", "label", "nodeName"), id),
		Model:      str("model", "storageModel"),
		Serial:     str("serialNumber", "serial"),
		BaseURL:    str("managementUrl", "restUrl", "url"),
		Type:       "array",
		AuthStatus: "unknown",
		Monitored:  true,
	}, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

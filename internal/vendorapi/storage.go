// internal/vendorapi/storage.go
package vendorapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Journal info detail levels accepted by the journals endpoint.
const (
	JournalInfoBasic  = "basic"
	JournalInfoDetail = "detail"
	JournalInfoTimer  = "timer"
)

// MirrorStatusUnused is the sentinel the array reports for mirror units
// that carry no replication leg; such entries carry no RPO signal.
const MirrorStatusUnused = "SMPL"

// SessionInfo is the result of a session creation exchange.
type SessionInfo struct {
	Token     string `json:"token"`
	SessionID int    `json:"sessionId"`
}

// JournalRecord is one journal mirror-unit row from the journals
// endpoint. Detail-only fields stay zero when basic info is requested.
type JournalRecord struct {
	JournalID          string `json:"journalId"`
	MuNumber           int    `json:"muNumber"`
	ConsistencyGroupID int    `json:"consistencyGroupId"`
	JournalStatus      string `json:"journalStatus"`
	UsageRate          int    `json:"usageRate"`
	QMarker            string `json:"qMarker"`
	QCount             int    `json:"qCount"`
	ByteFormatCapacity string `json:"byteFormatCapacity"`
	BlockCapacity      int64  `json:"blockCapacity"`
	NumOfActivePaths   int    `json:"numOfActivePaths"`
	NumOfLdevs         int    `json:"numOfLdevs"`
	CopySpeed          int    `json:"copySpeed"`
	DataOverflowWatch  int    `json:"dataOverflowWatchInSeconds"`
	MirrorUnits        []struct {
		MuNumber           int    `json:"muNumber"`
		ConsistencyGroupID int    `json:"consistencyGroupId"`
		JournalStatus      string `json:"journalStatus"`
		CopySpeed          int    `json:"copySpeed"`
		CopyPace           string `json:"copyPace"`
	} `json:"mirrorUnits"`
}

// CopyPairRecord is one remote replication pair.
type CopyPairRecord struct {
	CopyGroupName      string `json:"copyGroupName"`
	CopyPairName       string `json:"copyPairName"`
	ReplicationType    string `json:"replicationType"`
	PvolLdevID         int    `json:"pvolLdevId"`
	SvolLdevID         int    `json:"svolLdevId"`
	PvolJournalID      int    `json:"pvolJournalId"`
	SvolJournalID      int    `json:"svolJournalId"`
	PvolStatus         string `json:"pvolStatus"`
	SvolStatus         string `json:"svolStatus"`
	FenceLevel         string `json:"fenceLevel"`
	CopyProgressRate   int    `json:"copyProgressRate"`
	ConsistencyGroupID int    `json:"consistencyGroupId"`
	RemoteDeviceID     string `json:"remoteStorageDeviceId"`
}

// CopyGroupRecord is one remote mirror copy group from the
// copy-group endpoint (the richer, two-token query).
type CopyGroupRecord struct {
	CopyGroupName   string           `json:"copyGroupName"`
	MuNumber        int              `json:"muNumber"`
	JournalID       int              `json:"journalId"`
	RemoteJournalID int              `json:"remoteJournalId"`
	RemoteDeviceID  string           `json:"remoteStorageDeviceId"`
	CopyPairs       []CopyPairRecord `json:"copyPairs"`
}

// LdevRecord is the per-volume detail used for block-delta estimates.
type LdevRecord struct {
	LdevID         int    `json:"ldevId"`
	BlockCapacity  int64  `json:"blockCapacity"`
	NumOfUsedBlock int64  `json:"numOfUsedBlock"`
	Status         string `json:"status"`
	Attributes     []string `json:"attributes"`
}

type dataEnvelope struct {
	Data json.RawMessage `json:"data"`
}

func decodeData(body []byte, out interface{}) error {
	var envelope dataEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("vendor api: decode envelope: %w", err)
	}
	if envelope.Data == nil {
		// Tolerate responses without the envelope; some firmware levels
		// return the array directly.
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("vendor api: decode payload: %w", err)
		}
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("vendor api: decode data: %w", err)
	}
	return nil
}

func sessionHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Session " + token}
}

// CreateSession opens a session against the array, exchanging Basic
// credentials for a token. aliveTime is the requested session lifetime
// in seconds.
func (c *Client) CreateSession(ctx context.Context, baseURL, user, password string, aliveTime int) (SessionInfo, error) {
	resp, err := c.Execute(ctx, Request{
		Method: http.MethodPost,
		URL:    baseURL + "/sessions",
		Body:   map[string]int{"aliveTime": aliveTime},
		Auth:   &BasicAuth{Username: user, Password: password},
	})
	if err != nil {
		return SessionInfo{}, err
	}

	var info SessionInfo
	if err := json.Unmarshal(resp.Body, &info); err != nil {
		return SessionInfo{}, fmt.Errorf("vendor api: decode session: %w", err)
	}
	if info.Token == "" {
		return SessionInfo{}, fmt.Errorf("vendor api: session response missing token")
	}
	return info, nil
}

// DeleteSession discards a session on the array.
func (c *Client) DeleteSession(ctx context.Context, baseURL, token string, sessionID int) error {
	_, err := c.Execute(ctx, Request{
		Method:  http.MethodDelete,
		URL:     fmt.Sprintf("%s/sessions/%d", baseURL, sessionID),
		Headers: sessionHeader(token),
	})
	return err
}

// RefreshCache asks the array to refresh its configuration view. The
// call is slow and best-effort; stale views are usable.
func (c *Client) RefreshCache(ctx context.Context, baseURL, token string) error {
	_, err := c.Execute(ctx, Request{
		Method:  http.MethodPut,
		URL:     baseURL + "/views/actions/refresh/invoke",
		Headers: sessionHeader(token),
	})
	return err
}

// GetJournals lists journals at the requested info level.
func (c *Client) GetJournals(ctx context.Context, baseURL, token, infoType string) ([]JournalRecord, error) {
	resp, err := c.Execute(ctx, Request{
		Method:  http.MethodGet,
		URL:     baseURL + "/journals?journalInfo=" + url.QueryEscape(infoType),
		Headers: sessionHeader(token),
	})
	if err != nil {
		return nil, err
	}

	var journals []JournalRecord
	if err := decodeData(resp.Body, &journals); err != nil {
		return nil, err
	}
	return journals, nil
}

// GetRemoteCopyGroups lists remote mirror copy groups, authenticating
// against both the local and the remote array.
func (c *Client) GetRemoteCopyGroups(ctx context.Context, baseURL, localToken, remoteToken, remoteDeviceID string) ([]CopyGroupRecord, error) {
	headers := sessionHeader(localToken)
	headers["Remote-Authorization"] = "Session " + remoteToken

	resp, err := c.Execute(ctx, Request{
		Method: http.MethodGet,
		URL: fmt.Sprintf("%s/remote-mirror-copygroups?remoteStorageDeviceId=%s&detailInfoType=pair",
			baseURL, url.QueryEscape(remoteDeviceID)),
		Headers: headers,
	})
	if err != nil {
		return nil, err
	}

	var groups []CopyGroupRecord
	if err := decodeData(resp.Body, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// GetRemoteCopyPairs reads one page of replication pairs starting from
// headLdevID. The caller drives the cursor.
func (c *Client) GetRemoteCopyPairs(ctx context.Context, baseURL, token, replicationType string, headLdevID, count int) ([]CopyPairRecord, error) {
	resp, err := c.Execute(ctx, Request{
		Method: http.MethodGet,
		URL: fmt.Sprintf("%s/remote-copypairs?replicationType=%s&headLdevId=%d&count=%d",
			baseURL, url.QueryEscape(replicationType), headLdevID, count),
		Headers: sessionHeader(token),
	})
	if err != nil {
		return nil, err
	}

	var pairs []CopyPairRecord
	if err := decodeData(resp.Body, &pairs); err != nil {
		return nil, err
	}
	return pairs, nil
}

// ListAllRemoteCopyPairs walks the paginated pair listing: batches of
// pageSize starting at volume id 0, advancing the cursor to the last
// returned volume id plus one, stopping on the first short batch.
func (c *Client) ListAllRemoteCopyPairs(ctx context.Context, baseURL, token, replicationType string, pageSize int) ([]CopyPairRecord, error) {
	var all []CopyPairRecord
	head := 0
	for {
		page, err := c.GetRemoteCopyPairs(ctx, baseURL, token, replicationType, head, pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
		head = page[len(page)-1].PvolLdevID + 1
	}
}

// GetLdev reads one volume's detail record.
func (c *Client) GetLdev(ctx context.Context, baseURL, token string, ldevID int) (LdevRecord, error) {
	resp, err := c.Execute(ctx, Request{
		Method:  http.MethodGet,
		URL:     fmt.Sprintf("%s/ldevs/%d", baseURL, ldevID),
		Headers: sessionHeader(token),
	})
	if err != nil {
		return LdevRecord{}, err
	}

	var ldev LdevRecord
	if err := json.Unmarshal(resp.Body, &ldev); err != nil {
		return LdevRecord{}, fmt.Errorf("vendor api: decode ldev: %w", err)
	}
	return ldev, nil
}

package lndclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btx-lnd/lazy-lnd/internal/config"
)

const (
	maxEventsPerPage = 5000
	maxPages         = 20
)

type loggerLike interface {
	Printf(format string, v ...any)
}

// Client talks to the node's REST API. It implements the forwarding-history
// and channel-topology collaborators the engine depends on.
type Client struct {
	cfg    *config.Config
	logger loggerLike

	mu       sync.Mutex
	httpOnce bool
	httpCli  *http.Client
	httpErr  error
}

func New(cfg *config.Config, logger loggerLike) *Client {
	return &Client{cfg: cfg, logger: logger}
}

func (c *Client) client() (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.httpOnce {
		return c.httpCli, c.httpErr
	}
	c.httpOnce = true

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	certPath := c.cfg.Engine.LND.TLSCertPath
	if strings.TrimSpace(certPath) != "" {
		pem, err := os.ReadFile(certPath)
		if err != nil {
			c.httpErr = fmt.Errorf("lndclient: read tls cert: %w", err)
			return nil, c.httpErr
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			c.httpErr = fmt.Errorf("lndclient: invalid tls cert %s", certPath)
			return nil, c.httpErr
		}
		tlsCfg.RootCAs = pool
	}

	c.httpCli = &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
		Timeout:   c.cfg.FetchTimeout(),
	}
	return c.httpCli, nil
}

func (c *Client) macaroonHex() (string, error) {
	path := c.cfg.Engine.LND.MacaroonPath
	if strings.TrimSpace(path) == "" {
		return "", nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("lndclient: read macaroon: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	cli, err := c.client()
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("lndclient: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	url := strings.TrimRight(c.cfg.Engine.LND.RestURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	mac, err := c.macaroonHex()
	if err != nil {
		return err
	}
	if mac != "" {
		req.Header.Set("Grpc-Metadata-macaroon", mac)
	}

	resp, err := cli.Do(req)
	if err != nil {
		return fmt.Errorf("lndclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("lndclient: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type fwdHistoryRequest struct {
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	IndexOffset  uint32 `json:"index_offset"`
	NumMaxEvents uint32 `json:"num_max_events"`
	PeerAlias    bool   `json:"peer_alias_lookup"`
}

type fwdHistoryResponse struct {
	ForwardingEvents []struct {
		Timestamp    string `json:"timestamp"`
		PeerAliasIn  string `json:"peer_alias_in"`
		PeerAliasOut string `json:"peer_alias_out"`
		AmtIn        string `json:"amt_in"`
		AmtOut       string `json:"amt_out"`
		Fee          string `json:"fee"`
	} `json:"forwarding_events"`
	LastOffsetIndex uint32 `json:"last_offset_index"`
}

// ForwardingHistory fetches all settled forwards in [start, end), paging
// through the switch until the node reports no more events.
func (c *Client) ForwardingHistory(ctx context.Context, start, end time.Time) ([]ForwardingEvent, error) {
	var (
		events []ForwardingEvent
		offset uint32
	)
	for page := 0; page < maxPages; page++ {
		req := fwdHistoryRequest{
			StartTime:    strconv.FormatInt(start.Unix(), 10),
			EndTime:      strconv.FormatInt(end.Unix(), 10),
			IndexOffset:  offset,
			NumMaxEvents: maxEventsPerPage,
			PeerAlias:    true,
		}
		var resp fwdHistoryResponse
		if err := c.do(ctx, http.MethodPost, "/v1/switch", req, &resp); err != nil {
			return nil, err
		}
		for _, ev := range resp.ForwardingEvents {
			ts := parseInt64(ev.Timestamp)
			events = append(events, ForwardingEvent{
				Timestamp:    time.Unix(ts, 0).UTC(),
				PeerAliasIn:  ev.PeerAliasIn,
				PeerAliasOut: ev.PeerAliasOut,
				AmtInSat:     parseInt64(ev.AmtIn),
				AmtOutSat:    parseInt64(ev.AmtOut),
				FeeSat:       parseInt64(ev.Fee),
			})
		}
		if len(resp.ForwardingEvents) < maxEventsPerPage {
			break
		}
		offset = resp.LastOffsetIndex
	}
	return events, nil
}

type listChannelsResponse struct {
	Channels []struct {
		RemotePubkey  string   `json:"remote_pubkey"`
		ChannelPoint  string   `json:"channel_point"`
		ChanID        string   `json:"chan_id"`
		AliasScids    []string `json:"alias_scids"`
		Capacity      string   `json:"capacity"`
		LocalBalance  string   `json:"local_balance"`
		RemoteBalance string   `json:"remote_balance"`
		Active        bool     `json:"active"`
	} `json:"channels"`
}

// ListChannels returns the node's currently open active channels.
func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	var resp listChannelsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/channels?active_only=true", nil, &resp); err != nil {
		return nil, err
	}
	channels := make([]Channel, 0, len(resp.Channels))
	for _, ch := range resp.Channels {
		scid := ch.ChanID
		if len(ch.AliasScids) > 0 {
			scid = ch.AliasScids[0]
		}
		channels = append(channels, Channel{
			RemotePubkey:     ch.RemotePubkey,
			ChannelPoint:     ch.ChannelPoint,
			ChanID:           ch.ChanID,
			Scid:             scid,
			CapacitySat:      parseInt64(ch.Capacity),
			LocalBalanceSat:  parseInt64(ch.LocalBalance),
			RemoteBalanceSat: parseInt64(ch.RemoteBalance),
			Active:           ch.Active,
		})
	}
	return channels, nil
}

type getInfoResponse struct {
	Alias          string `json:"alias"`
	IdentityPubkey string `json:"identity_pubkey"`
	SyncedToChain  bool   `json:"synced_to_chain"`
	NumActiveChans uint32 `json:"num_active_channels"`
}

// GetInfo probes node reachability.
func (c *Client) GetInfo(ctx context.Context) (*NodeInfo, error) {
	var resp getInfoResponse
	if err := c.do(ctx, http.MethodGet, "/v1/getinfo", nil, &resp); err != nil {
		return nil, err
	}
	return &NodeInfo{
		Alias:          resp.Alias,
		IdentityPubkey: resp.IdentityPubkey,
		SyncedToChain:  resp.SyncedToChain,
		NumChannels:    int(resp.NumActiveChans),
	}, nil
}

func parseInt64(value string) int64 {
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const httpsAPIVersion = "2021-04-12"

// httpsTransport posts telemetry over HTTPS. The hub offers no
// device-bound channel on this protocol, so twin patches and direct
// methods are never delivered here; handlers are accepted and ignored.
type httpsTransport struct {
	id     Identity
	opts   Options
	client *http.Client
}

func dialHTTPS(id Identity, opts Options) (Transport, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("https: endpoint not configured")
	}
	return &httpsTransport{
		id:   id,
		opts: opts,
		client: &http.Client{
			Timeout: opts.ConnectTimeout + 30*time.Second,
		},
	}, nil
}

// Connect probes the hub so that credential problems surface during the
// handshake phase rather than on first send.
func (t *httpsTransport) Connect(ctx context.Context) error {
	url := fmt.Sprintf("%s/devices/%s?api-version=%s", t.opts.Endpoint, t.id.DeviceID, httpsAPIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &ConnectionError{Class: ClassPermanent, Err: err}
	}
	t.authorize(req)
	resp, err := t.client.Do(req)
	if err != nil {
		return &ConnectionError{Class: ClassTransient, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if err := statusError(resp.StatusCode); err != nil {
		return &ConnectionError{Class: Classify(err), Err: err}
	}
	return nil
}

func (t *httpsTransport) Disconnect(_ context.Context) error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *httpsTransport) Send(ctx context.Context, payload []byte) error {
	url := fmt.Sprintf("%s/devices/%s/messages/events?api-version=%s", t.opts.Endpoint, t.id.DeviceID, httpsAPIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return &SendError{Class: ClassPermanent, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	t.authorize(req)
	resp, err := t.client.Do(req)
	if err != nil {
		return &SendError{Class: ClassTransient, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if err := statusError(resp.StatusCode); err != nil {
		return &SendError{Class: Classify(err), Err: err}
	}
	return nil
}

func (t *httpsTransport) UpdateReported(ctx context.Context, props map[string]any) error {
	body, err := json.Marshal(map[string]any{"properties": map[string]any{"reported": props}})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/twins/%s?api-version=%s", t.opts.Endpoint, t.id.DeviceID, httpsAPIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	t.authorize(req)
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return statusError(resp.StatusCode)
}

func (t *httpsTransport) SetTwinHandler(TwinHandler)     {}
func (t *httpsTransport) SetMethodHandler(MethodHandler) {}

func (t *httpsTransport) authorize(req *http.Request) {
	req.Header.Set("Authorization", t.id.Credential)
}

func statusError(code int) error {
	switch {
	case code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: http %d", ErrAuthRejected, code)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: http %d", ErrDeviceDisabled, code)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: http %d", ErrQuotaExceeded, code)
	default:
		return fmt.Errorf("http %d", code)
	}
}

var _ Transport = (*httpsTransport)(nil)

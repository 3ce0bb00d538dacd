package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/ballast/internal/fault"
	"github.com/3cpo-dev/ballast/internal/telemetry"
)

// EnvURI names the variable ECS sets to the task metadata v4 base URL.
const EnvURI = "ECS_CONTAINER_METADATA_URI_V4"

// TaskResponse is the subset of the task metadata v4 document used here.
type TaskResponse struct {
	Cluster    string              `json:"Cluster,omitempty"`
	TaskARN    string              `json:"TaskARN,omitempty"`
	Containers []ContainerResponse `json:"Containers"`
}

type ContainerResponse struct {
	Name     string    `json:"Name,omitempty"`
	Networks []Network `json:"Networks"`
}

type Network struct {
	NetworkMode   string   `json:"NetworkMode,omitempty"`
	IPv4Addresses []string `json:"IPv4Addresses"`
}

// Address returns the first container's first network's first address.
func (t TaskResponse) Address() string {
	if len(t.Containers) == 0 || len(t.Containers[0].Networks) == 0 {
		return ""
	}
	addrs := t.Containers[0].Networks[0].IPv4Addresses
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}

// Discoverer finds the address of the task it runs in.
type Discoverer struct {
	BaseURL      string
	HTTPClient   *http.Client
	PollInterval time.Duration
}

// FromEnv builds a Discoverer from the metadata variable ECS injects.
func FromEnv() (*Discoverer, error) {
	base := os.Getenv(EnvURI)
	if base == "" {
		return nil, &fault.ConfigError{Key: EnvURI, Reason: "not set"}
	}
	return &Discoverer{BaseURL: base}, nil
}

// DiscoverOwnAddress polls {base}/task until an address is published.
// Unreachable endpoints and empty results are retried; a body that is not
// the expected JSON fails at once with a MetadataFormatError.
func (d *Discoverer) DiscoverOwnAddress(ctx context.Context) (string, error) {
	client := d.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	interval := d.PollInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	url := strings.TrimRight(d.BaseURL, "/") + "/task"
	lastState := "no response"
	for {
		addr, state, err := d.fetch(ctx, client, url)
		if err != nil {
			return "", err
		}
		if addr != "" {
			log.Debug().Str("address", addr).Msg("Discovered own address")
			return addr, nil
		}
		lastState = state
		telemetry.CounterGlobal("poll_iterations_total", 1, map[string]string{"loop": "metadata"})
		log.Debug().Str("url", url).Str("state", state).Msg("Own address not published yet")

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", &fault.TimeoutError{Op: "discover own address", LastState: lastState}
			}
			return "", ctx.Err()
		case <-t.C:
		}
	}
}

// fetch returns an address, or a description of why there was none. Only a
// malformed body is returned as an error.
func (d *Discoverer) fetch(ctx context.Context, client *http.Client, url string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", &fault.ConfigError{Key: EnvURI, Reason: err.Error()}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Sprintf("request failed: %v", err), nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Sprintf("read failed: %v", err), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Sprintf("status %d", resp.StatusCode), nil
	}
	var task TaskResponse
	if err := json.Unmarshal(body, &task); err != nil {
		return "", "", &fault.MetadataFormatError{URL: url, Body: body, Err: err}
	}
	return task.Address(), fmt.Sprintf("%d containers, no address", len(task.Containers)), nil
}

// Package nexentadriver implements the nexenta storage type: an
// appliance backend speaking JSON-over-HTTP with HTTP Basic auth
// (spec.md §6, SPEC_FULL "Additional registered storage types"). The
// appliance is treated as an opaque collaborator fulfilling the §4.E
// contract; this driver only marshals requests and keys exclusively
// on the parsed volume name, never a secondary "$image"-style field
// (Open Question resolution #3).
package nexentadriver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nimbusvc/vstorage/pkg/backend"
	"github.com/nimbusvc/vstorage/pkg/sectioncfg"
	"github.com/nimbusvc/vstorage/pkg/volid"
)

// TypeName is the plugin type_name this driver registers under.
const TypeName = "nexenta"

var (
	ErrRequestFailed  = errors.New("nexentadriver: appliance request failed")
	ErrUnexpectedCode = errors.New("nexentadriver: appliance returned an unexpected status code")
	ErrNotNewest      = errors.New("nexentadriver: rollback refused, a more recent snapshot exists")
)

const defaultTimeout = 15 * time.Second

// HTTPClient is the subset of *http.Client this driver needs; tests
// substitute a stub round tripper instead of making real requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Driver is the Nexenta appliance backend.
type Driver struct {
	HTTP HTTPClient
}

// New constructs a Driver. http.DefaultClient is a reasonable default
// for production use; tests pass a stub.
func New(client HTTPClient) *Driver {
	if client == nil {
		client = http.DefaultClient
	}
	return &Driver{HTTP: client}
}

func (d *Driver) TypeName() string { return TypeName }

func (d *Driver) ParseVolname(volname string) (volid.ParsedVolName, error) {
	return volid.ParseZFSVolName(volname)
}

// applianceCall issues a JSON request against the appliance's base
// URL, authenticated with HTTP Basic auth (spec.md §6).
func (d *Driver) applianceCall(ctx context.Context, scfg sectioncfg.Section, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("nexentadriver: encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	url := scfg.Props["url"] + path
	reqCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("nexentadriver: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(scfg.Props["username"], scfg.Props["password"])

	resp, err := d.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("nexentadriver: reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %d: %s", ErrUnexpectedCode, resp.StatusCode, string(respBody))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("nexentadriver: decoding response: %w", err)
		}
	}
	return nil
}

func (d *Driver) ActivateStorage(ctx context.Context, scfg sectioncfg.Section) error {
	return d.applianceCall(ctx, scfg, http.MethodGet, "/pool", nil, nil)
}

func (d *Driver) DeactivateStorage(context.Context, sectioncfg.Section) error        { return nil }
func (d *Driver) ActivateVolume(context.Context, sectioncfg.Section, string) error   { return nil }
func (d *Driver) DeactivateVolume(context.Context, sectioncfg.Section, string) error { return nil }

func (d *Driver) Path(_ context.Context, scfg sectioncfg.Section, volname, snap string) (string, string, volid.VType, error) {
	p, err := volid.ParseZFSVolName(volname)
	if err != nil {
		return "", "", "", err
	}
	path := scfg.Props["url"] + "/volumes/" + volname
	if snap != "" {
		path += "@" + snap
	}
	return path, p.VMID, volid.VTypeImage, nil
}

type createVolumeRequest struct {
	Name   string `json:"name"`
	SizeKB uint64 `json:"size_kb"`
}

func (d *Driver) AllocImage(ctx context.Context, scfg sectioncfg.Section, vmid string, _ volid.Format, name string, sizeKB uint64) (string, error) {
	if name == "" {
		name = fmt.Sprintf("vm-%s-disk-1", vmid)
	}
	if err := d.applianceCall(ctx, scfg, http.MethodPost, "/volumes", createVolumeRequest{Name: name, SizeKB: sizeKB}, nil); err != nil {
		return "", fmt.Errorf("nexentadriver: alloc_image: %w", err)
	}
	return name, nil
}

func (d *Driver) FreeImage(ctx context.Context, scfg sectioncfg.Section, volname string, _ bool) error {
	if err := d.applianceCall(ctx, scfg, http.MethodDelete, "/volumes/"+volname, nil, nil); err != nil {
		return fmt.Errorf("nexentadriver: free_image: %w", err)
	}
	return nil
}

type listVolumesResponse struct {
	Volumes []struct {
		Name   string `json:"name"`
		SizeKB uint64 `json:"size_kb"`
		UsedKB uint64 `json:"used_kb"`
	} `json:"volumes"`
}

func (d *Driver) ListImages(ctx context.Context, scfg sectioncfg.Section, vmid string, vollist []string) ([]backend.ImageInfo, error) {
	var resp listVolumesResponse
	if err := d.applianceCall(ctx, scfg, http.MethodGet, "/volumes", nil, &resp); err != nil {
		return nil, fmt.Errorf("nexentadriver: list_images: %w", err)
	}

	allow := map[string]struct{}{}
	for _, v := range vollist {
		allow[v] = struct{}{}
	}

	var out []backend.ImageInfo
	for _, v := range resp.Volumes {
		p, err := volid.ParseZFSVolName(v.Name)
		if err != nil {
			continue
		}
		if vmid != "" && p.VMID != vmid {
			continue
		}
		if len(allow) > 0 {
			if _, ok := allow[v.Name]; !ok {
				continue
			}
		}
		out = append(out, backend.ImageInfo{
			VolID: volid.VolumeID{StoreID: scfg.StoreID, VolName: v.Name},
			Size:  v.SizeKB * 1024,
			VMID:  p.VMID,
			Used:  v.UsedKB * 1024,
		})
	}
	return out, nil
}

type poolStatusResponse struct {
	TotalKB uint64 `json:"total_kb"`
	FreeKB  uint64 `json:"free_kb"`
	UsedKB  uint64 `json:"used_kb"`
}

func (d *Driver) Status(ctx context.Context, scfg sectioncfg.Section) (backend.StatusInfo, error) {
	var resp poolStatusResponse
	if err := d.applianceCall(ctx, scfg, http.MethodGet, "/pool/status", nil, &resp); err != nil {
		return backend.StatusInfo{Active: false}, nil
	}
	return backend.StatusInfo{
		TotalBytes: resp.TotalKB * 1024,
		FreeBytes:  resp.FreeKB * 1024,
		UsedBytes:  resp.UsedKB * 1024,
		Active:     true,
	}, nil
}

type cloneVolumeRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Snap   string `json:"snapshot,omitempty"`
}

func (d *Driver) CloneImage(ctx context.Context, scfg sectioncfg.Section, volname, vmid, snap string) (string, error) {
	p, err := volid.ParseZFSVolName(volname)
	if err != nil {
		return "", err
	}
	if !p.IsBase {
		return "", fmt.Errorf("nexentadriver: clone_image: %q is not a base volume", volname)
	}
	newName := fmt.Sprintf("vm-%s-disk-1", vmid)
	req := cloneVolumeRequest{Source: volname, Target: newName, Snap: snap}
	if err := d.applianceCall(ctx, scfg, http.MethodPost, "/volumes/clone", req, nil); err != nil {
		return "", fmt.Errorf("nexentadriver: clone_image: %w", err)
	}
	return volname + "/" + newName, nil
}

func (d *Driver) CreateBase(ctx context.Context, scfg sectioncfg.Section, volname string) (string, error) {
	newName := "base-" + volname[len("vm-"):]
	if err := d.applianceCall(ctx, scfg, http.MethodPost, "/volumes/"+volname+"/promote", nil, nil); err != nil {
		return "", fmt.Errorf("nexentadriver: create_base: %w", err)
	}
	return newName, nil
}

type resizeRequest struct {
	SizeBytes uint64 `json:"size_bytes"`
}

func (d *Driver) VolumeResize(ctx context.Context, scfg sectioncfg.Section, volname string, sizeBytes uint64) (uint64, error) {
	if err := d.applianceCall(ctx, scfg, http.MethodPost, "/volumes/"+volname+"/resize", resizeRequest{SizeBytes: sizeBytes}, nil); err != nil {
		return 0, fmt.Errorf("nexentadriver: volume_resize: %w", err)
	}
	return sizeBytes, nil
}

func (d *Driver) VolumeSnapshot(ctx context.Context, scfg sectioncfg.Section, volname, snap string) error {
	return d.applianceCall(ctx, scfg, http.MethodPost, "/volumes/"+volname+"/snapshots/"+snap, nil, nil)
}

func (d *Driver) VolumeSnapshotDelete(ctx context.Context, scfg sectioncfg.Section, volname, snap string) error {
	return d.applianceCall(ctx, scfg, http.MethodDelete, "/volumes/"+volname+"/snapshots/"+snap, nil, nil)
}

// VolumeSnapshotRollback verifies snap is the newest snapshot before
// calling the appliance's rollback endpoint; the appliance does not
// enforce that precondition itself.
func (d *Driver) VolumeSnapshotRollback(ctx context.Context, scfg sectioncfg.Section, volname, snap string) error {
	ok, err := d.VolumeRollbackIsPossible(ctx, scfg, volname, snap)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: volume=%s snap=%s", ErrNotNewest, volname, snap)
	}
	return d.applianceCall(ctx, scfg, http.MethodPost, "/volumes/"+volname+"/snapshots/"+snap+"/rollback", nil, nil)
}

type snapshotListResponse struct {
	Snapshots []string `json:"snapshots"` // oldest first, per appliance contract
}

func (d *Driver) VolumeRollbackIsPossible(ctx context.Context, scfg sectioncfg.Section, volname, snap string) (bool, error) {
	var resp snapshotListResponse
	if err := d.applianceCall(ctx, scfg, http.MethodGet, "/volumes/"+volname+"/snapshots", nil, &resp); err != nil {
		return false, fmt.Errorf("nexentadriver: listing snapshots: %w", err)
	}
	if len(resp.Snapshots) == 0 {
		return false, nil
	}
	return resp.Snapshots[len(resp.Snapshots)-1] == snap, nil
}

func (d *Driver) VolumeHasFeature(feature backend.Feature, state backend.VolumeState, _ volid.Format) bool {
	switch feature {
	case backend.FeatureSnapshot:
		return true
	case backend.FeatureClone:
		return state == backend.StateBase
	default:
		return false
	}
}

var _ backend.Driver = (*Driver)(nil)

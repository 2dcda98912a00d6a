package nexentadriver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/nimbusvc/vstorage/pkg/sectioncfg"
)

type stubClient struct {
	gotReq    *http.Request
	gotBody   []byte
	gotReqs   []*http.Request
	response  *http.Response
	responses []*http.Response
	err       error
}

func (s *stubClient) Do(req *http.Request) (*http.Response, error) {
	s.gotReq = req
	s.gotReqs = append(s.gotReqs, req)
	if req.Body != nil {
		s.gotBody, _ = io.ReadAll(req.Body)
	}
	if len(s.responses) > 0 {
		resp := s.responses[0]
		s.responses = s.responses[1:]
		return resp, s.err
	}
	return s.response, s.err
}

func jsonResponse(code int, body string) *http.Response {
	return &http.Response{StatusCode: code, Body: io.NopCloser(bytes.NewReader([]byte(body)))}
}

func testSection() sectioncfg.Section {
	return sectioncfg.Section{
		Type:    TypeName,
		StoreID: "appliance1",
		Props: map[string]string{
			"url":      "https://nexenta.example.com/api",
			"username": "admin",
			"password": "secret",
		},
	}
}

func TestAllocImageSendsBasicAuthAndBody(t *testing.T) {
	stub := &stubClient{response: jsonResponse(200, "")}
	d := New(stub)

	name, err := d.AllocImage(context.Background(), testSection(), "100", "", "", 1048576)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "vm-100-disk-1" {
		t.Fatalf("unexpected name: %s", name)
	}
	user, pass, ok := stub.gotReq.BasicAuth()
	if !ok || user != "admin" || pass != "secret" {
		t.Fatalf("expected basic auth credentials to be set, got ok=%v user=%s", ok, user)
	}
	if !bytes.Contains(stub.gotBody, []byte(`"name":"vm-100-disk-1"`)) {
		t.Fatalf("unexpected request body: %s", stub.gotBody)
	}
}

func TestAllocImageUnexpectedStatus(t *testing.T) {
	stub := &stubClient{response: jsonResponse(500, `{"error":"boom"}`)}
	d := New(stub)
	if _, err := d.AllocImage(context.Background(), testSection(), "100", "", "", 1024); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestListImagesParsesResponse(t *testing.T) {
	body := `{"volumes":[{"name":"vm-100-disk-1","size_kb":1048576,"used_kb":512000}]}`
	stub := &stubClient{response: jsonResponse(200, body)}
	d := New(stub)

	images, err := d.ListImages(context.Background(), testSection(), "100", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(images) != 1 || images[0].Size != 1048576*1024 {
		t.Fatalf("unexpected images: %+v", images)
	}
}

func TestVolumeRollbackIsPossibleChecksNewest(t *testing.T) {
	body := `{"snapshots":["old","new"]}`
	stub := &stubClient{response: jsonResponse(200, body)}
	d := New(stub)

	ok, err := d.VolumeRollbackIsPossible(context.Background(), testSection(), "vm-100-disk-1", "old")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected rollback to a non-newest snapshot to be refused")
	}
}

func TestVolumeSnapshotRollbackRefusesNonNewest(t *testing.T) {
	body := `{"snapshots":["old","new"]}`
	stub := &stubClient{response: jsonResponse(200, body)}
	d := New(stub)

	err := d.VolumeSnapshotRollback(context.Background(), testSection(), "vm-100-disk-1", "old")
	if !errors.Is(err, ErrNotNewest) {
		t.Fatalf("expected ErrNotNewest, got %v", err)
	}
	if len(stub.gotReqs) != 1 {
		t.Fatalf("expected only the snapshot-list request, rollback should not have been called; got %d requests", len(stub.gotReqs))
	}
}

func TestVolumeSnapshotRollbackAllowsNewest(t *testing.T) {
	body := `{"snapshots":["old","new"]}`
	stub := &stubClient{responses: []*http.Response{jsonResponse(200, body), jsonResponse(200, "")}}
	d := New(stub)

	if err := d.VolumeSnapshotRollback(context.Background(), testSection(), "vm-100-disk-1", "new"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stub.gotReqs) != 2 {
		t.Fatalf("expected a snapshot-list request followed by the rollback call; got %d requests", len(stub.gotReqs))
	}
	if stub.gotReqs[1].Method != http.MethodPost {
		t.Fatalf("expected the second request to be the rollback POST, got %s", stub.gotReqs[1].Method)
	}
}

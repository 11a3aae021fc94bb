package identity

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeIdentity(t *testing.T, dir, self string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "identity"), []byte(self+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadWithoutRegistryFile(t *testing.T) {
	dir := t.TempDir()
	writeIdentity(t, dir, "alpha")

	r, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if r.Self() != "alpha" {
		t.Errorf("self = %q", r.Self())
	}
	if len(r.Peers()) != 0 {
		t.Errorf("peers = %d, want 0", len(r.Peers()))
	}
}

func TestLoadRejectsMissingIdentity(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error without identity file")
	}
}

func TestUpsertPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	writeIdentity(t, dir, "alpha")
	r, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Upsert(Peer{Name: "beta", IP: "10.0.0.2", Port: 8900, Token: "tok-beta", Signing: true}); err != nil {
		t.Fatal(err)
	}
	if err := r.Upsert(Peer{Name: "hub", IP: "10.0.0.1", Port: 8900, Token: "tok-hub", Role: RoleHub}); err != nil {
		t.Fatal(err)
	}

	r2, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	p, err := r2.Peer("beta")
	if err != nil {
		t.Fatal(err)
	}
	if p.IP != "10.0.0.2" || !p.Signing || p.Name != "beta" {
		t.Errorf("reloaded peer = %+v", p)
	}
	if !r2.IsSigning("beta") {
		t.Error("signing flag lost on reload")
	}

	info, err := os.Stat(filepath.Join(dir, "agent-registry.json"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("registry mode = %o, want 0600", perm)
	}
}

func TestUnknownPeerError(t *testing.T) {
	dir := t.TempDir()
	writeIdentity(t, dir, "alpha")
	r, _ := Load(dir)

	_, err := r.Peer("ghost")
	var unknown ErrUnknownPeer
	if !errors.As(err, &unknown) || unknown.Name != "ghost" {
		t.Errorf("err = %v, want ErrUnknownPeer{ghost}", err)
	}
}

func TestPeersExcludesSelfAndSorts(t *testing.T) {
	dir := t.TempDir()
	writeIdentity(t, dir, "alpha")
	r, _ := Load(dir)
	r.Upsert(Peer{Name: "gamma", IP: "1", Port: 1, Token: "t"})
	r.Upsert(Peer{Name: "alpha", IP: "1", Port: 1, Token: "t"})
	r.Upsert(Peer{Name: "beta", IP: "1", Port: 1, Token: "t"})

	peers := r.Peers()
	if len(peers) != 2 || peers[0].Name != "beta" || peers[1].Name != "gamma" {
		t.Errorf("peers = %+v", peers)
	}
}

func TestHubSelection(t *testing.T) {
	dir := t.TempDir()
	writeIdentity(t, dir, "alpha")
	r, _ := Load(dir)
	r.Upsert(Peer{Name: "gamma", IP: "1", Port: 1, Token: "t"})
	r.Upsert(Peer{Name: "beta", IP: "1", Port: 1, Token: "t"})

	// No declared hub: lexically first peer stands in.
	hub, ok := r.Hub()
	if !ok || hub.Name != "beta" {
		t.Errorf("hub = %+v, ok=%v", hub, ok)
	}

	r.Upsert(Peer{Name: "gamma", IP: "1", Port: 1, Token: "t", Role: RoleHub})
	hub, ok = r.Hub()
	if !ok || hub.Name != "gamma" {
		t.Errorf("declared hub = %+v, ok=%v", hub, ok)
	}
}

func TestHookURLs(t *testing.T) {
	p := Peer{Name: "beta", IP: "10.0.0.2", Port: 8900}

	if got, want := p.HookURL("alpha"), "http://10.0.0.2:8900/hooks/alpha"; got != want {
		t.Errorf("hook url = %q, want %q", got, want)
	}
	if got, want := p.AgentHookURL(), "http://10.0.0.2:8900/hooks/agent"; got != want {
		t.Errorf("agent hook url = %q, want %q", got, want)
	}

	p.HookPath = "/custom/webhook"
	if got, want := p.HookURL("alpha"), "http://10.0.0.2:8900/custom/webhook"; got != want {
		t.Errorf("pinned hook url = %q, want %q", got, want)
	}
}

func TestRemovePersists(t *testing.T) {
	dir := t.TempDir()
	writeIdentity(t, dir, "alpha")
	r, _ := Load(dir)
	r.Upsert(Peer{Name: "beta", IP: "1", Port: 1, Token: "t"})

	if err := r.Remove("beta"); err != nil {
		t.Fatal(err)
	}
	r2, _ := Load(dir)
	if _, err := r2.Peer("beta"); err == nil {
		t.Error("removed peer still present after reload")
	}
}

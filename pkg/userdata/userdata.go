// Package userdata replaces the original driver's template-substituted
// launch scripts (manager_userdata.py / worker_userdata.py, which
// string-replaced a "{{manager_data}}" placeholder with a JSON blob) with
// typed descriptors serialized through pkg/types.Encode, matching the
// versioned envelope the rest of the system uses on the wire (spec.md §9
// Design Note).
package userdata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/mcc/pkg/blobstore"
	"github.com/cuemby/mcc/pkg/types"
)

// ManagerData is passed to a launched Manager instance as EC2 user data
// (grounded on launch.py's manager_data dict).
type ManagerData struct {
	Bucket             string `json:"bucket"`
	WorkerInstanceType string `json:"worker_instance_type"`
	WorkerTemplateID   string `json:"worker_template_id"`
	WorkerTemplateVer  string `json:"worker_template_version"`
	VCPUsPerNode       int    `json:"vcpus_per_node"`
	HyperthreadConst   int    `json:"hyperthread_const"`
	CoordinationHost   string `json:"coordination_host"`
	CoordinationPort   int    `json:"coordination_port"`
	EntryPoint         string `json:"entry_point"`
}

// WorkerData is passed to a launched worker instance (grounded on
// worker_userdata.py's worker_data dict).
type WorkerData struct {
	Bucket           string `json:"bucket"`
	EntryPoint       string `json:"entry_point"`
	Run              string `json:"run"`
	HyperthreadConst int    `json:"hyperthread_const"`
	CoordinationHost string `json:"coordination_host"`
	CoordinationPort int    `json:"coordination_port"`
}

// EncodeManagerData serializes md as EC2 UserData (base64 wrapping is
// handled by the EC2 API itself; callers pass the raw bytes here).
func EncodeManagerData(md ManagerData) ([]byte, error) {
	return types.Encode(md)
}

func EncodeWorkerData(wd WorkerData) ([]byte, error) {
	return types.Encode(wd)
}

func DecodeManagerData(b []byte) (ManagerData, error) {
	var md ManagerData
	err := types.Decode(b, &md)
	return md, err
}

func DecodeWorkerData(b []byte) (WorkerData, error) {
	var wd WorkerData
	err := types.Decode(b, &wd)
	return wd, err
}

// WorkerDataKey is the well-known OS key a run's WorkerData descriptor is
// stored under (spec.md §9 Design Note): fixed given only the run id, so
// a booting worker that already knows which run it belongs to can fetch
// it without any further template substitution.
func WorkerDataKey(run string) string {
	return fmt.Sprintf("workerdata/%s.json", run)
}

// UploadWorkerData publishes wd at WorkerDataKey(run) before a run's
// fleet is launched, replacing worker_userdata.py's
// `json.loads("{{worker_data}}")` literal substitution with a real
// object the Worker downloads and decodes on boot.
func UploadWorkerData(ctx context.Context, store blobstore.Store, run string, wd WorkerData) error {
	b, err := EncodeWorkerData(wd)
	if err != nil {
		return fmt.Errorf("userdata: encode worker data: %w", err)
	}
	return store.Put(ctx, WorkerDataKey(run), b)
}

// FetchWorkerData downloads and decodes the descriptor UploadWorkerData
// wrote for run, the Worker's boot-time counterpart to worker_userdata.py
// reading its own templated launch data.
func FetchWorkerData(ctx context.Context, store blobstore.Store, run string) (WorkerData, error) {
	b, err := store.Get(ctx, WorkerDataKey(run))
	if err != nil {
		return WorkerData{}, fmt.Errorf("userdata: fetch worker data: %w", err)
	}
	return DecodeWorkerData(b)
}

// UploadEntryPoint walks localDir and uploads every file under it to
// script/<relative path> in the run's bucket (grounded on launch.py's
// upload_user_entrypoint).
func UploadEntryPoint(ctx context.Context, store blobstore.Store, localDir string) error {
	return filepath.Walk(localDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("userdata: read %s: %w", path, err)
		}
		return store.Put(ctx, filepath.ToSlash("script/"+rel), data)
	})
}

// UploadRequiredFiles uploads the fixed set of support files every worker
// needs (grounded on launch.py's upload_req_files: combine_data.py,
// points.py, worker_userdata.py under the original design; this repo's
// analogues are passed in by the caller since file names are no longer
// hardcoded Python module names).
func UploadRequiredFiles(ctx context.Context, store blobstore.Store, files map[string][]byte) error {
	for name, data := range files {
		if err := store.Put(ctx, "script/"+name, data); err != nil {
			return err
		}
	}
	return nil
}

// DownloadScriptDir downloads every object under the script/ prefix into
// destDir, mirroring worker_userdata.py's per-worker bootstrap download
// loop.
func DownloadScriptDir(ctx context.Context, store blobstore.Store, destDir string) error {
	keys, err := store.List(ctx, "script/")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("userdata: mkdir %s: %w", destDir, err)
	}
	for _, key := range keys {
		data, err := store.Get(ctx, key)
		if err != nil {
			return err
		}
		rel := key[len("script/"):]
		dest := filepath.Join(destDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return fmt.Errorf("userdata: write %s: %w", dest, err)
		}
	}
	return nil
}

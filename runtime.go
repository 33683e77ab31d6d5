package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/viant/afs"
	ort "github.com/yalue/onnxruntime_go"
)

// setupRuntime points onnxruntime_go at the shared library and initializes the
// environment. Libraries behind a remote URL are extracted to a temporary
// directory first. The returned cleanup tears both down.
func setupRuntime(ctx context.Context, libPath string) (func(), error) {
	tmpDir := ""
	resolved := libPath
	switch {
	case libPath == "":
		resolved = defaultLibraryName()
	case isRemote(libPath):
		dir, err := os.MkdirTemp("", "nest-detection")
		if err != nil {
			return nil, err
		}
		tmpDir = dir
		resolved, err = extractLibrary(ctx, libPath, tmpDir)
		if err != nil {
			os.RemoveAll(tmpDir)
			return nil, err
		}
	default:
		if _, err := os.Stat(libPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("onnxruntime library not found: %s", libPath)
		}
	}

	ort.SetSharedLibraryPath(resolved)
	if err := ort.InitializeEnvironment(); err != nil {
		if tmpDir != "" {
			os.RemoveAll(tmpDir)
		}
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	return func() {
		ort.DestroyEnvironment()
		if tmpDir != "" {
			os.RemoveAll(tmpDir)
		}
	}, nil
}

// defaultLibraryName is left to the dynamic loader's search path.
func defaultLibraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

func isRemote(p string) bool {
	return strings.Contains(p, "://") && !strings.HasPrefix(p, "file://")
}

// extractLibrary downloads the shared library behind libURL into tmpDir and
// returns the local path the dynamic loader can open.
func extractLibrary(ctx context.Context, libURL, tmpDir string) (string, error) {
	data, err := afs.New().DownloadWithURL(ctx, libURL)
	if err != nil {
		return "", fmt.Errorf("download onnxruntime library %s: %w", libURL, err)
	}

	local := filepath.Join(tmpDir, path.Base(libURL))
	if err := os.WriteFile(local, data, 0o755); err != nil {
		return "", fmt.Errorf("write onnxruntime library: %w", err)
	}
	return local, nil
}

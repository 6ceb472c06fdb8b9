// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package downloader fetches dataset archives, verifies them and extracts them.
package downloader

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// Client used for downloads. Tests may replace it.
var Client = &http.Client{}

// Download fetches url into filePath, creating the directory if needed.
// If showProgressBar is set, a progress bar is displayed on stdout.
func Download(url, filePath string, showProgressBar bool) (size int64, err error) {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if err = os.MkdirAll(filepath.Dir(filePath), 0777); err != nil {
		return 0, errors.Wrapf(err, "failed to create the directory for %q", filePath)
	}
	resp, err := Client.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed downloading %q: status %s", url, resp.Status)
	}

	// Write to a temporary file, so interrupted downloads are not mistaken for complete ones.
	tmpPath := filePath + ".partial"
	file, err := os.Create(tmpPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", tmpPath)
	}
	var w io.Writer = file
	var bar *progressbar.ProgressBar
	if showProgressBar {
		bar = progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetDescription(humanize.IBytes(uint64(max(resp.ContentLength, 0)))),
			progressbar.OptionShowBytes(true),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
		w = io.MultiWriter(file, bar)
	}
	size, err = io.Copy(w, resp.Body)
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	if err != nil {
		_ = file.Close()
		return 0, errors.Wrapf(err, "downloading %q to %q", url, tmpPath)
	}
	if err = file.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return 0, errors.Wrapf(err, "failed moving %q to %q", tmpPath, filePath)
	}
	return size, nil
}

// ValidateChecksum returns an error if the SHA-256 of the file is not the given hex string.
func ValidateChecksum(filePath, wantHash string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	hasher := sha256.New()
	if _, err = io.Copy(hasher, f); err != nil {
		return errors.Wrapf(err, "failed to read %q", filePath)
	}
	got := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(got, wantHash) {
		return errors.Errorf("file %q has SHA-256 %s, expected %s: remove it and download again", filePath, got, wantHash)
	}
	return nil
}

// DownloadIfMissing downloads url to filePath if it doesn't exist yet.
// If checkHash is given, the file must have that SHA-256.
func DownloadIfMissing(url, filePath, checkHash string) error {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	exists, err := fsutil.FileExists(filePath)
	if err != nil {
		return err
	}
	if !exists {
		fmt.Printf("Downloading %s ...\n", url)
		if _, err = Download(url, filePath, true); err != nil {
			return err
		}
	}
	if checkHash == "" {
		return nil
	}
	return ValidateChecksum(filePath, checkHash)
}

// Untar extracts a (optionally gzipped) tar file into baseDir.
// Entries that would be written outside baseDir are rejected.
func Untar(baseDir, tarFile string) error {
	f, err := os.Open(tarFile)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", tarFile)
	}
	defer func() { _ = f.Close() }()
	var r io.Reader = f
	if strings.HasSuffix(tarFile, ".gz") || strings.HasSuffix(tarFile, ".tgz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return errors.Wrapf(err, "failed to un-gzip %q", tarFile)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}
	tr := tar.NewReader(r)
	cleanBase := filepath.Clean(baseDir) + string(os.PathSeparator)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "reading %q", tarFile)
		}
		target := filepath.Join(baseDir, header.Name)
		if !strings.HasPrefix(target, cleanBase) {
			return errors.Errorf("invalid entry %q in %q", header.Name, tarFile)
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err = os.MkdirAll(target, 0755); err != nil {
				return errors.Wrapf(err, "creating %q", target)
			}
		case tar.TypeReg:
			if err = extractFile(tr, target, header.FileInfo().Mode()); err != nil {
				return err
			}
		}
	}
}

func extractFile(r io.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return errors.Wrapf(err, "creating directory for %q", target)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
	if err != nil {
		return errors.Wrapf(err, "creating %q", target)
	}
	if _, err = io.Copy(out, r); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "writing %q", target)
	}
	return errors.Wrapf(out.Close(), "closing %q", target)
}

// DownloadAndUntarIfMissing downloads tarFile from url if missing, and extracts it into baseDir
// if targetUntarDir doesn't exist. Relative paths are taken from baseDir.
func DownloadAndUntarIfMissing(url, baseDir, tarFile, targetUntarDir, checkHash string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	if !filepath.IsAbs(tarFile) {
		tarFile = filepath.Join(baseDir, tarFile)
	}
	if !filepath.IsAbs(targetUntarDir) {
		targetUntarDir = filepath.Join(baseDir, targetUntarDir)
	}
	if fsutil.MustFileExists(targetUntarDir) {
		return nil
	}
	if err := DownloadIfMissing(url, tarFile, checkHash); err != nil {
		return err
	}
	if err := Untar(baseDir, tarFile); err != nil {
		return err
	}
	if !fsutil.MustFileExists(targetUntarDir) {
		return errors.Errorf("downloaded from %q and extracted %q, but didn't get directory %q", url, tarFile, targetUntarDir)
	}
	return nil
}

package main

import (
	"archive/zip"
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"strings"

	"fraud-sentinel/internal/services/auditverify"
	"fraud-sentinel/internal/services/evidence"
)

// runAudit 是 audit 子命令路由，目前支持 audit verify。
func runAudit(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printAuditUsage()
		return nil
	}
	switch args[0] {
	case "verify":
		return runAuditVerify(ctx, args[1:])
	default:
		printAuditUsage()
		return fmt.Errorf("unknown audit command: %s", args[0])
	}
}

func printAuditUsage() {
	fmt.Println("Usage:")
	fmt.Println("  sentinel-cli audit verify [--db data/sentinel.db] [--limit 1000000]")
}

// runAuditVerify 对整条审计链做强校验。链是全局的，只取某条证据的子集会被判定为断链。
func runAuditVerify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("audit verify", flag.ContinueOnError)
	ef := bindEvidenceFlags(fs)
	limit := fs.Int("limit", 1_000_000, "max audit logs to verify")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rt, err := ef.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	logs, err := rt.Store.ListAuditLogs(ctx, "", *limit)
	if err != nil {
		return err
	}

	res := auditverify.VerifyAuditLogs(logs)
	fmt.Println("audit chain verify completed")
	fmt.Printf("total=%d failed=%d prev_hash_failed=%d chain_hash_failed=%d last_chain_hash=%s\n", res.Total, res.Failed, res.PrevHashFailed, res.ChainHashFailed, res.LastChainHash)
	if !res.OK {
		for _, f := range res.Failures {
			fmt.Printf("FAIL index=%d event_id=%s message=%s expected_prev=%s actual_prev=%s expected_hash=%s actual_hash=%s\n",
				f.Index, f.EventID, f.Message, f.ExpectedPrevHash, f.ActualPrevHash, f.ExpectedChainHash, f.ActualChainHash,
			)
		}
		return fmt.Errorf("audit chain verify failed")
	}
	return nil
}

// runVerify 是 verify 子命令路由：
// - verify proof-zip：离线校验证明包 ZIP 内的 hash.txt 与证据包 contentHash
func runVerify(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printVerifyUsage()
		return nil
	}
	switch args[0] {
	case "proof-zip":
		return runVerifyProofZip(ctx, args[1:])
	default:
		printVerifyUsage()
		return fmt.Errorf("unknown verify command: %s", args[0])
	}
}

func printVerifyUsage() {
	fmt.Println("Usage:")
	fmt.Println("  sentinel-cli verify proof-zip --zip PATH_TO_ZIP")
}

type zipVerifyItem struct {
	Path       string
	Expected   string
	Actual     string
	Status     string // ok|missing|mismatch|error
	ErrMessage string
}

// zipVerifyReport 是证明包离线校验结果。
type zipVerifyReport struct {
	Items       []zipVerifyItem
	OK          int
	Failed      int
	ContentHash string
	// PackageChecked 为 false 表示包内没有明文证据文件（脱敏导出或加密证据），contentHash 无法离线复算。
	PackageChecked bool
	PackageOK      bool
	PackageMessage string
}

func runVerifyProofZip(ctx context.Context, args []string) error {
	_ = ctx

	fs := flag.NewFlagSet("verify proof-zip", flag.ContinueOnError)
	zipPath := fs.String("zip", "", "path to proof zip (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*zipPath) == "" {
		return fmt.Errorf("--zip is required")
	}

	rep, err := verifyProofZip(*zipPath)
	if err != nil {
		return err
	}

	fmt.Println("proof zip verify completed")
	fmt.Printf("zip=%s\n", *zipPath)
	fmt.Printf("files_total=%d ok=%d failed=%d\n", len(rep.Items), rep.OK, rep.Failed)
	for _, it := range rep.Items {
		if it.Status == "ok" {
			continue
		}
		if it.ErrMessage != "" {
			fmt.Printf("FAIL %s status=%s expected=%s actual=%s error=%s\n", it.Path, it.Status, it.Expected, it.Actual, it.ErrMessage)
		} else {
			fmt.Printf("FAIL %s status=%s expected=%s actual=%s\n", it.Path, it.Status, it.Expected, it.Actual)
		}
	}
	if rep.Failed > 0 {
		return fmt.Errorf("proof zip verify failed: %d files mismatch/missing", rep.Failed)
	}

	if !rep.PackageChecked {
		fmt.Printf("content_hash=%s package_check=skipped\n", rep.ContentHash)
		return nil
	}
	fmt.Printf("content_hash=%s package_check=%t\n", rep.ContentHash, rep.PackageOK)
	if !rep.PackageOK {
		return fmt.Errorf("proof zip verify failed: %s", rep.PackageMessage)
	}
	return nil
}

func verifyProofZip(path string) (*zipVerifyReport, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	files := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		files[f.Name] = f
	}

	hashListFile, ok := files["hash.txt"]
	if !ok {
		return nil, fmt.Errorf("hash.txt not found in zip")
	}
	rc, err := hashListFile.Open()
	if err != nil {
		return nil, fmt.Errorf("open hash.txt: %w", err)
	}
	defer rc.Close()

	rep := &zipVerifyReport{}
	type expectedEntry struct {
		SHA  string
		Path string
	}
	var expected []expectedEntry

	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if v, ok := strings.CutPrefix(line, "content_hash="); ok {
			rep.ContentHash = strings.TrimSpace(v)
			continue
		}
		// sha256sum 格式：<sha256><two spaces><path>
		parts := strings.Fields(line)
		if len(parts) < 2 || len(parts[0]) != 64 {
			continue
		}
		expected = append(expected, expectedEntry{SHA: parts[0], Path: strings.Join(parts[1:], " ")})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read hash.txt: %w", err)
	}

	var evidenceFile *zip.File
	for _, e := range expected {
		item := zipVerifyItem{Path: e.Path, Expected: e.SHA}
		f, ok := files[e.Path]
		if !ok {
			item.Status = "missing"
			rep.Failed++
			rep.Items = append(rep.Items, item)
			continue
		}
		sum, err := sha256OfZipFile(f)
		switch {
		case err != nil:
			item.Status = "error"
			item.ErrMessage = err.Error()
			rep.Failed++
		case strings.EqualFold(sum, e.SHA):
			item.Actual = sum
			item.Status = "ok"
			rep.OK++
		default:
			item.Actual = sum
			item.Status = "mismatch"
			rep.Failed++
		}
		rep.Items = append(rep.Items, item)

		if strings.HasPrefix(e.Path, "data/") && strings.HasSuffix(e.Path, ".json") &&
			e.Path != "data/messages.json" && e.Path != "data/environment.json" {
			evidenceFile = f
		}
	}

	// 明文证据文件在包内时，按封存公式复算 contentHash。
	if evidenceFile != nil {
		raw, err := readZipFileAll(evidenceFile)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", evidenceFile.Name, err)
		}
		if pkg, err := evidence.DecodePackage(raw, false, nil); err == nil {
			res, err := auditverify.VerifyPackage(*pkg)
			if err != nil {
				return nil, err
			}
			rep.PackageChecked = true
			rep.PackageOK = res.OK && (rep.ContentHash == "" || rep.ContentHash == res.ActualHash)
			rep.PackageMessage = res.Message
			if res.OK && !rep.PackageOK {
				rep.PackageMessage = "hash.txt content_hash differs from package"
			}
		}
	}
	return rep, nil
}

func sha256OfZipFile(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func readZipFileAll(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

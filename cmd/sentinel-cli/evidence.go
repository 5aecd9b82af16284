package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fraud-sentinel/internal/app"
	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/platform/hash"
	"fraud-sentinel/internal/services/auditverify"
	"fraud-sentinel/internal/services/forensicexport"
	"fraud-sentinel/internal/services/forensicpdf"
	"fraud-sentinel/internal/services/privacy"
)

// runEvidence 是 evidence 子命令路由：证据库查询、保留期清理、导出与复核。
func runEvidence(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printEvidenceUsage()
		return nil
	}
	switch args[0] {
	case "list":
		return runEvidenceList(ctx, args[1:])
	case "show":
		return runEvidenceShow(ctx, args[1:])
	case "cleanup":
		return runEvidenceCleanup(ctx, args[1:])
	case "export":
		return runEvidenceExport(ctx, args[1:])
	case "backup":
		return runEvidenceBackup(ctx, args[1:])
	case "zip":
		return runEvidenceZip(ctx, args[1:])
	case "pdf":
		return runEvidencePDF(ctx, args[1:])
	case "verify":
		return runEvidenceVerify(ctx, args[1:])
	default:
		printEvidenceUsage()
		return fmt.Errorf("unknown evidence command: %s", args[0])
	}
}

func printEvidenceUsage() {
	fmt.Println("Usage:")
	fmt.Println("  sentinel-cli evidence list [--risk HIGH|MEDIUM|LOW] [--synced true|false] [--limit 50] [--offset 0] [--json]")
	fmt.Println("  sentinel-cli evidence show --id EVIDENCE_ID [--passphrase P] [--privacy-mode off|masked]")
	fmt.Println("  sentinel-cli evidence cleanup [--dry-run] [--retention-days 180]")
	fmt.Println("  sentinel-cli evidence export --id EVIDENCE_ID --out-dir DIR")
	fmt.Println("  sentinel-cli evidence backup --out-dir DIR [--id ID,ID,...]")
	fmt.Println("  sentinel-cli evidence zip --id EVIDENCE_ID [--out-dir DIR] [--operator NAME] [--note TEXT] [--privacy-mode off|masked]")
	fmt.Println("  sentinel-cli evidence pdf --id EVIDENCE_ID [--out-dir DIR] [--operator NAME] [--note TEXT] [--privacy-mode off|masked]")
	fmt.Println("  sentinel-cli evidence verify --id EVIDENCE_ID [--passphrase P] [--operator NAME]")
}

// evidenceFlags 在公共配置参数外增加口令（解密加密证据包用）。
type evidenceFlags struct {
	*configFlags
	passphrase *string
}

func bindEvidenceFlags(fs *flag.FlagSet) *evidenceFlags {
	return &evidenceFlags{
		configFlags: bindConfigFlags(fs),
		passphrase:  fs.String("passphrase", "", "evidence encryption passphrase (overrides config)"),
	}
}

// open 装配证据库相关组件。证据命令不需要设备采集，强制关闭 adb。
func (f *evidenceFlags) open(ctx context.Context) (*app.Runtime, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, err
	}
	cfg.Device = app.DeviceOff
	if *f.passphrase != "" {
		cfg.EncryptionPassphrase = *f.passphrase
	}
	return app.Build(ctx, cfg, newLogger(cfg))
}

func requireID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("--id is required")
	}
	return id, nil
}

func runEvidenceList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("evidence list", flag.ContinueOnError)
	ef := bindEvidenceFlags(fs)
	risk := fs.String("risk", "", "filter by risk level")
	synced := fs.String("synced", "", "filter by sync status: true|false")
	limit := fs.Int("limit", 50, "page size")
	offset := fs.Int("offset", 0, "page offset")
	asJSON := fs.Bool("json", false, "print as json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rt, err := ef.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	var rows []model.EvidenceRecord
	switch {
	case strings.TrimSpace(*risk) != "":
		rows, err = rt.Store.ListEvidenceByRisk(ctx, model.ParseSeverity(*risk))
	case strings.TrimSpace(*synced) != "":
		rows, err = rt.Store.ListEvidenceBySync(ctx, strings.EqualFold(strings.TrimSpace(*synced), "true"))
	default:
		rows, err = rt.Store.ListEvidence(ctx, *limit, *offset)
	}
	if err != nil {
		return err
	}
	total, err := rt.Store.CountEvidence(ctx)
	if err != nil {
		return err
	}

	if *asJSON {
		return printJSON(map[string]any{"total": total, "evidence": rows})
	}
	fmt.Printf("evidence total=%d shown=%d\n", total, len(rows))
	for _, r := range rows {
		fmt.Printf("evidence_id=%s risk=%s captured_at=%s encrypted=%t synced=%t size=%d title=%s\n",
			r.EvidenceID, r.RiskLevel, time.Unix(r.CapturedAt, 0).Format(time.RFC3339), r.IsEncrypted, r.IsSynced, r.SizeBytes, r.Title,
		)
	}
	return nil
}

func runEvidenceShow(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("evidence show", flag.ContinueOnError)
	ef := bindEvidenceFlags(fs)
	evidenceID := fs.String("id", "", "evidence id (required)")
	privacyMode := fs.String("privacy-mode", "", "off|masked (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireID(*evidenceID)
	if err != nil {
		return err
	}
	rt, err := ef.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	rec, pkg, err := rt.Evidence.Load(ctx, id)
	if err != nil {
		return err
	}
	if modeOf(*privacyMode, rt.Config) == privacy.ModeMasked {
		*rec = privacy.MaskRecords([]model.EvidenceRecord{*rec})[0]
		*pkg = privacy.MaskPackage(*pkg)
	}
	return printJSON(map[string]any{"evidence": rec, "package": pkg})
}

func runEvidenceCleanup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("evidence cleanup", flag.ContinueOnError)
	ef := bindEvidenceFlags(fs)
	dryRun := fs.Bool("dry-run", false, "only list evidence expiring within the warning window")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rt, err := ef.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	expiring, err := rt.Evidence.CleanupWarning(ctx)
	if err != nil {
		return err
	}
	for _, r := range expiring {
		fmt.Printf("expiring evidence_id=%s captured_at=%s\n", r.EvidenceID, time.Unix(r.CapturedAt, 0).Format(time.RFC3339))
	}
	if *dryRun {
		fmt.Printf("cleanup dry run: retention_days=%d expiring_soon=%d\n", rt.Config.RetentionDays, len(expiring))
		return nil
	}

	res, err := rt.Evidence.Cleanup(ctx)
	if err != nil {
		return err
	}
	fmt.Println("evidence cleanup completed")
	fmt.Printf("cutoff=%s deleted=%d files_removed=%d media_removed=%d errors=%d\n", time.Unix(res.Cutoff, 0).Format(time.RFC3339), res.Deleted, res.FilesRemoved, res.MediaRemoved, len(res.Errors))
	for _, e := range res.Errors {
		fmt.Printf("FAIL %s\n", e)
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("evidence cleanup finished with %d errors", len(res.Errors))
	}
	return nil
}

func runEvidenceExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("evidence export", flag.ContinueOnError)
	ef := bindEvidenceFlags(fs)
	evidenceID := fs.String("id", "", "evidence id (required)")
	outDir := fs.String("out-dir", "", "destination directory (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireID(*evidenceID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*outDir) == "" {
		return fmt.Errorf("--out-dir is required")
	}
	rt, err := ef.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	dst, err := rt.Evidence.Export(ctx, id, *outDir)
	if err != nil {
		return err
	}
	fmt.Println("evidence export completed")
	fmt.Printf("evidence_id=%s file=%s\n", id, dst)
	return nil
}

func runEvidenceBackup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("evidence backup", flag.ContinueOnError)
	ef := bindEvidenceFlags(fs)
	ids := fs.String("id", "", "comma separated evidence ids (default: all)")
	outDir := fs.String("out-dir", "", "destination directory (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*outDir) == "" {
		return fmt.Errorf("--out-dir is required")
	}
	rt, err := ef.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	var targets []string
	for _, id := range strings.Split(*ids, ",") {
		if id = strings.TrimSpace(id); id != "" {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		const page = 500
		for offset := 0; ; offset += page {
			rows, err := rt.Store.ListEvidence(ctx, page, offset)
			if err != nil {
				return err
			}
			for _, r := range rows {
				targets = append(targets, r.EvidenceID)
			}
			if len(rows) < page {
				break
			}
		}
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	written, err := rt.Evidence.Backup(ctx, targets, *outDir)
	for _, p := range written {
		fmt.Printf("backup file=%s\n", p)
	}
	if err != nil {
		return err
	}
	fmt.Printf("evidence backup completed count=%d dir=%s\n", len(written), *outDir)
	return nil
}

func runEvidenceZip(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("evidence zip", flag.ContinueOnError)
	ef := bindEvidenceFlags(fs)
	evidenceID := fs.String("id", "", "evidence id (required)")
	outDir := fs.String("out-dir", "", "zip output directory (default <export_dir>/exports)")
	operator := fs.String("operator", "system", "operator id or name")
	note := fs.String("note", "", "export note")
	privacyMode := fs.String("privacy-mode", "", "off|masked (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireID(*evidenceID)
	if err != nil {
		return err
	}
	rt, err := ef.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	rec, pkg, err := rt.Evidence.Load(ctx, id)
	if err != nil {
		return err
	}
	dir := strings.TrimSpace(*outDir)
	if dir == "" {
		dir = filepath.Join(rt.Config.ExportDir, "exports")
	}
	res, err := forensicexport.GenerateProofZip(ctx, rt.Store, *rec, *pkg, forensicexport.ZipOptions{
		ExportDir: dir,
		Operator:  *operator,
		Note:      *note,
		Privacy:   modeOf(*privacyMode, rt.Config),
		Build:     forensicexport.BuildInfo{Version: app.Version, Commit: app.Commit, BuildTime: app.BuildTime},
	})
	if err != nil {
		return err
	}

	fmt.Println("proof zip export completed")
	fmt.Printf("evidence_id=%s report_id=%s\n", id, res.ReportID)
	fmt.Printf("zip=%s\n", res.ZipPath)
	fmt.Printf("zip_sha256=%s\n", res.ZipSHA256)
	if len(res.Warnings) > 0 {
		fmt.Printf("warnings=%s\n", strings.Join(res.Warnings, " | "))
	}
	return nil
}

func runEvidencePDF(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("evidence pdf", flag.ContinueOnError)
	ef := bindEvidenceFlags(fs)
	evidenceID := fs.String("id", "", "evidence id (required)")
	outDir := fs.String("out-dir", "", "pdf output directory (default <export_dir>/reports)")
	operator := fs.String("operator", "system", "operator id or name")
	note := fs.String("note", "", "report note")
	privacyMode := fs.String("privacy-mode", "", "off|masked (default from config)")
	maxImages := fs.Int("max-images", 0, "max screenshots embedded in the pdf (0: default)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireID(*evidenceID)
	if err != nil {
		return err
	}
	rt, err := ef.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	rec, pkg, err := rt.Evidence.Load(ctx, id)
	if err != nil {
		return err
	}
	dir := strings.TrimSpace(*outDir)
	if dir == "" {
		dir = filepath.Join(rt.Config.ExportDir, "reports")
	}
	res, err := forensicpdf.GenerateEvidencePDF(ctx, rt.Store, *rec, *pkg, forensicpdf.Options{
		ReportDir: dir,
		Operator:  *operator,
		Note:      *note,
		Privacy:   modeOf(*privacyMode, rt.Config),
		MaxImages: *maxImages,
	})
	if err != nil {
		return err
	}

	fmt.Println("evidence pdf export completed")
	fmt.Printf("evidence_id=%s report_id=%s\n", id, res.ReportID)
	fmt.Printf("pdf=%s\n", res.PDFPath)
	fmt.Printf("pdf_sha256=%s\n", res.PDFSHA256)
	if len(res.Warnings) > 0 {
		fmt.Printf("warnings=%s\n", strings.Join(res.Warnings, " | "))
	}
	return nil
}

// runEvidenceVerify 复核证据文件 SHA-256 与证据包 contentHash，结果写入审计链。
func runEvidenceVerify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("evidence verify", flag.ContinueOnError)
	ef := bindEvidenceFlags(fs)
	evidenceID := fs.String("id", "", "evidence id (required)")
	operator := fs.String("operator", "system", "operator id or name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireID(*evidenceID)
	if err != nil {
		return err
	}
	rt, err := ef.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	rec, pkg, err := rt.Evidence.Load(ctx, id)
	if err != nil {
		return err
	}
	fileSum, _, err := hash.File(rec.FilePath)
	if err != nil {
		return err
	}
	res, err := auditverify.VerifyEvidence(*rec, *pkg, fileSum)
	if err != nil {
		return err
	}

	status := "success"
	if !res.OK {
		status = "failed"
	}
	_ = rt.Store.AppendAudit(ctx, rec.EvidenceID, "evidence", "verify", status, *operator, "cli", map[string]any{
		"ok":            res.OK,
		"expected_hash": res.ExpectedHash,
		"message":       res.Message,
	})

	fmt.Println("evidence verify completed")
	fmt.Printf("evidence_id=%s ok=%t content_hash=%s expected=%s\n", id, res.OK, pkg.ContentHash, res.ExpectedHash)
	if !res.OK {
		return fmt.Errorf("evidence verify failed: %s", res.Message)
	}
	return nil
}

func modeOf(flagValue string, cfg app.Config) privacy.Mode {
	if strings.TrimSpace(flagValue) != "" {
		return privacy.ParseMode(flagValue)
	}
	return privacy.ParseMode(cfg.PrivacyMode)
}

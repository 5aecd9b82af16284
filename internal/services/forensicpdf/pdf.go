// Package forensicpdf 生成证据 PDF 报告。
package forensicpdf

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/platform/hash"
	"fraud-sentinel/internal/services/privacy"

	"github.com/phpdave11/gofpdf"
)

// PDF 属于二进制产物，入库登记到 reports 表并写审计；完整证据链以证明包 ZIP 为准。

// Store 是报告生成需要的证据库能力，*sqlite.Store 实现该接口。
type Store interface {
	ListAuditLogs(ctx context.Context, evidenceID string, limit int) ([]model.AuditLog, error)
	SaveReport(ctx context.Context, evidenceID, reportType, filePath, sha256, generatorVersion, status string) (string, error)
	AppendAudit(ctx context.Context, evidenceID, eventType, action, status, actor, source string, detail any) error
}

type Options struct {
	ReportDir string
	Operator  string
	Note      string
	Privacy   privacy.Mode
	// MaxImages 限制嵌入的截图数量，0 表示默认值。
	MaxImages int
}

type Result struct {
	ReportID    string   `json:"report_id"`
	PDFPath     string   `json:"pdf_path"`
	PDFSHA256   string   `json:"pdf_sha256"`
	Warnings    []string `json:"warnings,omitempty"`
	GeneratedAt int64    `json:"generated_at"`
}

const (
	ReportTypePDF = "evidence_pdf"

	pdfGeneratorVer  = "evidencepdf-0.1.0"
	defaultMaxImages = 6
	maxMessages      = 300
)

// GenerateEvidencePDF 生成证据 PDF 报告，并在 reports 表中登记为 report_type=evidence_pdf。
func GenerateEvidencePDF(ctx context.Context, store Store, rec model.EvidenceRecord, pkg model.EvidencePackage, opts Options) (*Result, error) {
	if strings.TrimSpace(rec.EvidenceID) == "" {
		return nil, fmt.Errorf("evidence_id is required")
	}
	operator := strings.TrimSpace(opts.Operator)
	if operator == "" {
		operator = "system"
	}
	reportDir := strings.TrimSpace(opts.ReportDir)
	if reportDir == "" {
		reportDir = filepath.Join(filepath.Dir(rec.FilePath), "reports")
	}
	maxImages := opts.MaxImages
	if maxImages <= 0 {
		maxImages = defaultMaxImages
	}
	mode := privacy.ParseMode(string(opts.Privacy))

	warnings := []string{}
	audits, err := store.ListAuditLogs(ctx, rec.EvidenceID, 5000)
	if err != nil {
		warnings = append(warnings, "list audits failed: "+err.Error())
		audits = []model.AuditLog{}
	}
	lastAuditHash := ""
	if len(audits) > 0 {
		lastAuditHash = audits[len(audits)-1].ChainHash
	}

	if mode == privacy.ModeMasked {
		pkg = privacy.MaskPackage(pkg)
		rec.FilePath = privacy.MaskSnapshotPath(rec.FilePath)
		rec.Description = privacy.MaskText(rec.Description)
	}

	now := time.Now().Unix()
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir reports: %w", err)
	}
	pdfPath := filepath.Join(reportDir, fmt.Sprintf("%s_report_%d.pdf", rec.EvidenceID, time.Now().UnixNano()))

	pdf, utf8OK, imgWarnings := buildPDF(rec, pkg, audits, operator, opts.Note, lastAuditHash, warnings, now, maxImages, mode)
	warnings = append(warnings, imgWarnings...)
	if !utf8OK {
		warnings = append(warnings, "pdf utf8 font not available; non-ascii text may be replaced with '?'")
	}
	if err := pdf.OutputFileAndClose(pdfPath); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}

	sum, _, err := hash.File(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("sha256 pdf: %w", err)
	}

	reportID, err := store.SaveReport(ctx, rec.EvidenceID, ReportTypePDF, pdfPath, sum, pdfGeneratorVer, "ready")
	if err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}

	_ = store.AppendAudit(ctx, rec.EvidenceID, "export", ReportTypePDF, "success", operator, "forensicpdf.GenerateEvidencePDF", map[string]any{
		"pdf":           pdfPath,
		"pdf_sha256":    sum,
		"message_count": len(pkg.ChatMessages),
		"screenshots":   len(pkg.ScreenshotPaths),
		"note":          strings.TrimSpace(opts.Note),
		"warnings":      warnings,
	})

	return &Result{
		ReportID:    reportID,
		PDFPath:     pdfPath,
		PDFSHA256:   sum,
		Warnings:    warnings,
		GeneratedAt: now,
	}, nil
}

func buildPDF(
	rec model.EvidenceRecord,
	pkg model.EvidencePackage,
	audits []model.AuditLog,
	operator string,
	note string,
	lastAuditHash string,
	warnings []string,
	generatedAt int64,
	maxImages int,
	mode privacy.Mode,
) (*gofpdf.Fpdf, bool, []string) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(14, 14, 14)
	pdf.SetAutoPageBreak(true, 14)
	pdf.SetTitle("Fraud Sentinel - Evidence Report", false)

	fontFamily, utf8OK := initPDFUnicodeFont(pdf)
	var imgWarnings []string

	pdf.AddPage()

	pdf.SetFont(fontFamily, "B", 16)
	pdf.CellFormat(0, 9, "Fraud Sentinel - Evidence Report", "", 1, "L", false, 0, "")

	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(60, 60, 60)
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated at: %s", fmtTime(generatedAt)), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Operator: %s", safeText(operator, utf8OK)), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Privacy: %s", mode), "", 1, "L", false, 0, "")
	if strings.TrimSpace(note) != "" {
		pdf.MultiCell(0, 5, fmt.Sprintf("Note: %s", safeText(note, utf8OK)), "", "L", false)
	}
	pdf.Ln(2)

	sectionTitle(pdf, fontFamily, "1. Evidence Overview")
	kv(pdf, fontFamily, utf8OK, "Evidence ID", rec.EvidenceID)
	kv(pdf, fontFamily, utf8OK, "Session ID", rec.SessionID)
	kv(pdf, fontFamily, utf8OK, "Title", pkg.Title)
	kv(pdf, fontFamily, utf8OK, "Description", pkg.Description)
	kv(pdf, fontFamily, utf8OK, "Risk Level", fmt.Sprintf("%s (%s)", rec.RiskLevel.String(), rec.RiskLevel.DisplayName()))
	kv(pdf, fontFamily, utf8OK, "Captured At", pkg.Timestamp.Format(time.RFC3339))
	kv(pdf, fontFamily, utf8OK, "Content Hash", pkg.ContentHash)
	kv(pdf, fontFamily, utf8OK, "File", rec.FilePath)
	kv(pdf, fontFamily, utf8OK, "File SHA-256", rec.FileSHA256)
	kv(pdf, fontFamily, utf8OK, "Encrypted", fmt.Sprintf("%v", rec.IsEncrypted))
	if strings.TrimSpace(lastAuditHash) != "" {
		kv(pdf, fontFamily, utf8OK, "Audit Chain Last Hash", lastAuditHash)
	}
	pdf.Ln(2)

	if len(warnings) > 0 || !utf8OK {
		local := append([]string{}, warnings...)
		if !utf8OK {
			local = append(local, "pdf utf8 font not available; non-ascii text may be replaced with '?'")
		}
		sectionTitle(pdf, fontFamily, "Warnings")
		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(120, 80, 0)
		for _, w := range local {
			pdf.MultiCell(0, 4.5, "- "+safeText(w, utf8OK), "", "L", false)
		}
		pdf.Ln(2)
	}

	sectionTitle(pdf, fontFamily, "2. Environment")
	env := pkg.Environment
	kv(pdf, fontFamily, utf8OK, "Device Model", env.DeviceModel)
	kv(pdf, fontFamily, utf8OK, "OS Version", env.OSVersion)
	kv(pdf, fontFamily, utf8OK, "App Version", env.AppVersion)
	kv(pdf, fontFamily, utf8OK, "Network", string(env.NetworkType))
	if env.IPAddress != nil {
		kv(pdf, fontFamily, utf8OK, "IP Address", *env.IPAddress)
	}
	if env.Location != nil {
		kv(pdf, fontFamily, utf8OK, "Location", *env.Location)
	}
	pdf.Ln(2)

	sectionTitle(pdf, fontFamily, fmt.Sprintf("3. Chat Messages (%d)", len(pkg.ChatMessages)))
	msgs := pkg.ChatMessages
	if len(msgs) > maxMessages {
		msgs = msgs[:maxMessages]
	}
	if len(msgs) == 0 {
		emptyLine(pdf, fontFamily)
	}
	for _, m := range msgs {
		pdf.SetFont(fontFamily, "B", 9)
		pdf.SetTextColor(20, 20, 20)
		pdf.MultiCell(0, 4.5, fmt.Sprintf("%s | %s | %s | %s",
			m.Timestamp.Format("2006-01-02 15:04:05"),
			safeText(m.PlatformID, utf8OK),
			safeText(m.Sender, utf8OK),
			safeText(m.ID, utf8OK),
		), "", "L", false)
		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(40, 40, 40)
		pdf.MultiCell(0, 4.5, safeText(m.Content, utf8OK), "", "L", false)
		pdf.Ln(1)
	}
	pdf.Ln(2)

	sectionTitle(pdf, fontFamily, fmt.Sprintf("4. Screenshots (%d)", len(pkg.ScreenshotPaths)))
	if len(pkg.ScreenshotPaths) == 0 {
		emptyLine(pdf, fontFamily)
	}
	for i, p := range pkg.ScreenshotPaths {
		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(40, 40, 40)
		pdf.MultiCell(0, 4.5, fmt.Sprintf("#%d %s", i+1, safeText(filepath.Base(p), utf8OK)), "", "L", false)
		if i >= maxImages || mode == privacy.ModeMasked {
			continue
		}
		if err := embedImage(pdf, p); err != nil {
			imgWarnings = append(imgWarnings, fmt.Sprintf("screenshot %s not embedded: %v", filepath.Base(p), err))
		}
	}
	pdf.Ln(2)

	sectionTitle(pdf, fontFamily, "5. Audit Trail")
	if len(audits) == 0 {
		emptyLine(pdf, fontFamily)
	}
	for _, a := range audits {
		pdf.SetFont(fontFamily, "", 8)
		pdf.SetTextColor(40, 40, 40)
		pdf.MultiCell(0, 4, fmt.Sprintf("#%d %s %s/%s [%s] %s", a.Seq, fmtTime(a.OccurredAt), safeText(a.EventType, utf8OK), safeText(a.Action, utf8OK), safeText(a.Status, utf8OK), a.ChainHash), "", "L", false)
	}

	pdf.Ln(2)
	pdf.SetFont(fontFamily, "", 9)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(0, 4.5, "Note: For the full evidence chain, use the proof package export (manifest.json + hash.txt).", "", "L", false)

	return pdf, utf8OK, imgWarnings
}

// embedImage 把截图按页宽缩放嵌入；先解码校验，避免损坏文件把 pdf 置为错误状态。
func embedImage(pdf *gofpdf.Fpdf, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return fmt.Errorf("empty image")
	}
	tp := strings.ToUpper(format)
	if tp == "JPEG" {
		tp = "JPG"
	}
	name := "shot_" + hash.Bytes(raw)
	pdf.RegisterImageOptionsReader(name, gofpdf.ImageOptions{ImageType: tp}, bytes.NewReader(raw))
	if pdf.Err() {
		err := pdf.Error()
		pdf.ClearError()
		return err
	}
	w := 60.0
	h := w * float64(cfg.Height) / float64(cfg.Width)
	if h > 120 {
		h = 120
		w = h * float64(cfg.Width) / float64(cfg.Height)
	}
	pdf.ImageOptions(name, pdf.GetX(), pdf.GetY(), w, h, true, gofpdf.ImageOptions{ImageType: tp}, 0, "")
	return nil
}

func emptyLine(pdf *gofpdf.Fpdf, fontFamily string) {
	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(0, 5, "(empty)", "", "L", false)
}

func sectionTitle(pdf *gofpdf.Fpdf, fontFamily string, title string) {
	pdf.SetFont(fontFamily, "B", 12)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	pdf.SetDrawColor(200, 200, 200)
	pdf.Line(pdf.GetX(), pdf.GetY(), 200, pdf.GetY())
	pdf.Ln(2)
}

func kv(pdf *gofpdf.Fpdf, fontFamily string, utf8OK bool, key string, value string) {
	if strings.TrimSpace(value) == "" {
		value = "-"
	}
	pdf.SetFont(fontFamily, "B", 10)
	pdf.SetTextColor(30, 30, 30)
	pdf.CellFormat(36, 5.2, key+":", "", 0, "L", false, 0, "")
	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(20, 20, 20)
	pdf.MultiCell(0, 5.2, safeText(value, utf8OK), "", "L", false)
}

func fmtTime(ts int64) string {
	if ts <= 0 {
		return "-"
	}
	return time.Unix(ts, 0).Format("2006-01-02 15:04:05")
}

func safeText(s string, utf8OK bool) string {
	// gofpdf 的内置字体对 ASCII/Latin 表现最好；
	// 如果未成功加载 UTF-8 字体，则把非 ASCII 字符替换为 '?'，确保 PDF 一定能生成（内部试用优先）。
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.TrimSpace(s)
	if utf8OK {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r <= 126 {
			b.WriteRune(r)
		} else {
			b.WriteRune('?')
		}
	}
	return b.String()
}

// initPDFUnicodeFont 尝试加载 UTF-8 字体（TrueType），以支持中文等非 ASCII 字符。
//
// 规则：
// 1) 如果设置了环境变量 SENTINEL_PDF_FONT，优先使用该文件路径。
// 2) 否则按常见系统字体路径探测（macOS/Windows/Linux）。
// 3) 加载失败则回退到核心字体（Helvetica），并通过 safeText() 兜底替换非 ASCII 字符。
func initPDFUnicodeFont(pdf *gofpdf.Fpdf) (family string, utf8OK bool) {
	const familyName = "unicode"
	candidates := []string{}

	if v := strings.TrimSpace(os.Getenv("SENTINEL_PDF_FONT")); v != "" {
		candidates = append(candidates, v)
	}

	switch runtime.GOOS {
	case "darwin":
		candidates = append(candidates,
			"/System/Library/Fonts/Supplemental/Arial Unicode.ttf",
			"/System/Library/Fonts/Supplemental/AppleMyungjo.ttf",
			"/System/Library/Fonts/Supplemental/AppleGothic.ttf",
			"/System/Library/Fonts/Hiragino Sans GB.ttc",
			"/System/Library/Fonts/PingFang.ttc",
		)
	case "windows":
		candidates = append(candidates,
			`C:\Windows\Fonts\arialuni.ttf`,
			`C:\Windows\Fonts\simhei.ttf`,
			`C:\Windows\Fonts\simsun.ttc`,
			`C:\Windows\Fonts\msyh.ttc`,
		)
	default:
		// Linux (best effort)
		candidates = append(candidates,
			"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
			"/usr/share/fonts/truetype/noto/NotoSansCJK-Regular.ttc",
			"/usr/share/fonts/opentype/noto/NotoSansCJK-Regular.ttc",
			"/usr/share/fonts/truetype/arphic/uming.ttc",
		)
	}

	for _, p := range candidates {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}

		// 即使只有一个字体文件，这里也注册 B 样式，避免 SetFont(...,"B",...) 报错。
		pdf.AddUTF8Font(familyName, "", p)
		if pdf.Err() {
			pdf.ClearError()
			continue
		}
		pdf.AddUTF8Font(familyName, "B", p)
		if pdf.Err() {
			// bold 失败也不致命：清错后仍可用 regular
			pdf.ClearError()
		}
		return familyName, true
	}

	return "Helvetica", false
}

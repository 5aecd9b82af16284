package webapp

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"fraud-sentinel/internal/app"
	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/platform/hash"
	"fraud-sentinel/internal/services/auditverify"
	"fraud-sentinel/internal/services/evidence"
	"fraud-sentinel/internal/services/forensicexport"
	"fraud-sentinel/internal/services/forensicpdf"
	"fraud-sentinel/internal/services/privacy"
)

// handleEvidenceList:
// - GET /api/evidence?limit=&offset=
// - GET /api/evidence?risk=HIGH
func (s *Server) handleEvidenceList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	var (
		rows []model.EvidenceRecord
		err  error
	)
	if risk := strings.TrimSpace(q.Get("risk")); risk != "" {
		rows, err = s.rt.Store.ListEvidenceByRisk(r.Context(), model.ParseSeverity(risk))
	} else {
		rows, err = s.rt.Store.ListEvidence(r.Context(), parseInt(q.Get("limit"), 50), parseInt(q.Get("offset"), 0))
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rows == nil {
		rows = []model.EvidenceRecord{}
	}
	if s.masked() {
		rows = privacy.MaskRecords(rows)
	}
	writeJSON(w, http.StatusOK, map[string]any{"evidence": rows})
}

// handleEvidenceRoutes 是 /api/evidence/ 下的二级路由：
// - GET    /api/evidence/storage
// - GET    /api/evidence/cleanup       即将到期（预警窗口内）的证据
// - POST   /api/evidence/cleanup       执行保留期清理
// - GET    /api/evidence/{id}[?package=1]
// - DELETE /api/evidence/{id}
// - GET    /api/evidence/{id}/download
// - POST   /api/evidence/{id}/verify
// - GET    /api/evidence/{id}/audits
// - GET    /api/evidence/{id}/reports
// - POST   /api/evidence/{id}/exports/proof-zip
// - POST   /api/evidence/{id}/exports/pdf
func (s *Server) handleEvidenceRoutes(w http.ResponseWriter, r *http.Request) {
	evidenceID, rest := splitRoute(r.URL.Path, "/api/evidence/")
	if evidenceID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch evidenceID {
	case "storage":
		s.handleEvidenceStorage(w, r)
		return
	case "cleanup":
		s.handleEvidenceCleanup(w, r)
		return
	}

	action := ""
	if len(rest) > 0 {
		action = rest[0]
	}
	switch action {
	case "":
		s.handleEvidenceItem(w, r, evidenceID)
	case "download":
		s.handleEvidenceDownload(w, r, evidenceID)
	case "verify":
		s.handleEvidenceVerify(w, r, evidenceID)
	case "audits":
		s.handleEvidenceAudits(w, r, evidenceID)
	case "reports":
		s.handleEvidenceReports(w, r, evidenceID)
	case "exports":
		kind := ""
		if len(rest) > 1 {
			kind = rest[1]
		}
		s.handleEvidenceExports(w, r, evidenceID, kind)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) masked() bool {
	return s.opts.Privacy == privacy.ModeMasked
}

// writeEvidenceError 把“证据不存在”映射为 404。
func writeEvidenceError(w http.ResponseWriter, err error) {
	if errors.Is(err, evidence.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func (s *Server) handleEvidenceStorage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	info, err := s.rt.Evidence.StorageInfo(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"storage": info})
}

func (s *Server) handleEvidenceCleanup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rows, err := s.rt.Evidence.CleanupWarning(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if rows == nil {
			rows = []model.EvidenceRecord{}
		}
		if s.masked() {
			rows = privacy.MaskRecords(rows)
		}
		writeJSON(w, http.StatusOK, map[string]any{"expiring": rows})
	case http.MethodPost:
		res, err := s.rt.Evidence.Cleanup(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cleanup": res})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEvidenceItem(w http.ResponseWriter, r *http.Request, evidenceID string) {
	switch r.Method {
	case http.MethodGet:
		// 默认只返回索引；package=1 时读取并解码证据文件（加密文件需已配置口令）。
		if !parseBool(r.URL.Query().Get("package"), false) {
			rec, err := s.rt.Store.GetEvidence(r.Context(), evidenceID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if rec == nil {
				writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", evidence.ErrNotFound, evidenceID))
				return
			}
			out := *rec
			if s.masked() {
				out = privacy.MaskRecords([]model.EvidenceRecord{out})[0]
			}
			writeJSON(w, http.StatusOK, map[string]any{"evidence": out})
			return
		}
		rec, pkg, err := s.rt.Evidence.Load(r.Context(), evidenceID)
		if err != nil {
			writeEvidenceError(w, err)
			return
		}
		outRec, outPkg := *rec, *pkg
		if s.masked() {
			outRec = privacy.MaskRecords([]model.EvidenceRecord{outRec})[0]
			outPkg = privacy.MaskPackage(outPkg)
		}
		writeJSON(w, http.StatusOK, map[string]any{"evidence": outRec, "package": outPkg})
	case http.MethodDelete:
		if err := s.rt.Evidence.Delete(r.Context(), evidenceID); err != nil {
			writeEvidenceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "evidence_id": evidenceID})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEvidenceDownload(w http.ResponseWriter, r *http.Request, evidenceID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rec, err := s.rt.Store.GetEvidence(r.Context(), evidenceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", evidence.ErrNotFound, evidenceID))
		return
	}
	serveFile(w, r, rec.FilePath, "evidence_"+evidenceID)
}

// handleEvidenceVerify 复核证据：
// - 重算证据文件 SHA-256 并与入库值对比
// - 解码证据包，按封存公式重算 contentHash
// 结果写入审计链。
func (s *Server) handleEvidenceVerify(w http.ResponseWriter, r *http.Request, evidenceID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	operator, note := s.operatorOf(r)

	rec, pkg, err := s.rt.Evidence.Load(r.Context(), evidenceID)
	if err != nil {
		writeEvidenceError(w, err)
		return
	}
	fileSum, _, err := hash.File(rec.FilePath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	res, err := auditverify.VerifyEvidence(*rec, *pkg, fileSum)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	status := "success"
	if !res.OK {
		status = "failed"
	}
	_ = s.rt.Store.AppendAudit(r.Context(), rec.EvidenceID, "evidence", "verify", status, operator, "webapp", map[string]any{
		"ok":            res.OK,
		"expected_hash": res.ExpectedHash,
		"message":       res.Message,
		"note":          note,
	})
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

func (s *Server) handleEvidenceAudits(w http.ResponseWriter, r *http.Request, evidenceID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 500)
	rows, err := s.rt.Store.ListAuditLogs(r.Context(), evidenceID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if s.masked() {
		for i := range rows {
			rows[i].DetailJSON = privacy.MaskAuditDetail(rows[i].DetailJSON)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": rows})
}

func (s *Server) handleEvidenceReports(w http.ResponseWriter, r *http.Request, evidenceID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rows, err := s.rt.Store.ListReportsByEvidence(r.Context(), evidenceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rows == nil {
		rows = []model.ReportInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": rows})
}

func (s *Server) handleEvidenceExports(w http.ResponseWriter, r *http.Request, evidenceID, kind string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if kind != "proof-zip" && kind != "pdf" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	operator, note := s.operatorOf(r)

	rec, pkg, err := s.rt.Evidence.Load(r.Context(), evidenceID)
	if err != nil {
		writeEvidenceError(w, err)
		return
	}

	var (
		reportID string
		out      map[string]any
	)
	switch kind {
	case "proof-zip":
		res, err := forensicexport.GenerateProofZip(r.Context(), s.rt.Store, *rec, *pkg, forensicexport.ZipOptions{
			ExportDir: s.exportDir("exports"),
			Operator:  operator,
			Note:      note,
			Privacy:   s.opts.Privacy,
			Build:     forensicexport.BuildInfo{Version: app.Version, Commit: app.Commit, BuildTime: app.BuildTime},
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		reportID = res.ReportID
		out = map[string]any{"zip_path": res.ZipPath, "zip_sha256": res.ZipSHA256, "warnings": res.Warnings}
	case "pdf":
		res, err := forensicpdf.GenerateEvidencePDF(r.Context(), s.rt.Store, *rec, *pkg, forensicpdf.Options{
			ReportDir: s.exportDir("reports"),
			Operator:  operator,
			Note:      note,
			Privacy:   s.opts.Privacy,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		reportID = res.ReportID
		out = map[string]any{"pdf_path": res.PDFPath, "pdf_sha256": res.PDFSHA256, "warnings": res.Warnings}
	}

	info, err := s.rt.Store.GetReportByID(r.Context(), reportID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out["ok"] = true
	out["evidence_id"] = evidenceID
	out["report_id"] = reportID
	out["report"] = info
	writeJSON(w, http.StatusOK, out)
}

// exportDir 在配置了导出根目录时按类型分子目录；否则交给生成器使用默认位置。
func (s *Server) exportDir(sub string) string {
	if s.opts.ExportDir == "" {
		return ""
	}
	return filepath.Join(s.opts.ExportDir, sub)
}

// handleReportRoutes: GET /api/reports/{report_id}/download
func (s *Server) handleReportRoutes(w http.ResponseWriter, r *http.Request) {
	reportID, rest := splitRoute(r.URL.Path, "/api/reports/")
	if reportID == "" || len(rest) != 1 || rest[0] != "download" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	info, err := s.rt.Store.GetReportByID(r.Context(), reportID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if info == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("report not found: %s", reportID))
		return
	}
	serveFile(w, r, info.FilePath, "report_"+reportID)
}

// handleAudits: GET /api/audits?evidence_id=&limit=
func (s *Server) handleAudits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	rows, err := s.rt.Store.ListAuditLogs(r.Context(), strings.TrimSpace(q.Get("evidence_id")), parseInt(q.Get("limit"), 500))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if s.masked() {
		for i := range rows {
			rows[i].DetailJSON = privacy.MaskAuditDetail(rows[i].DetailJSON)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": rows})
}

// auditVerifyLimit 是单次强校验读取的审计条数上限。
const auditVerifyLimit = 1_000_000

// handleAuditVerify 对整条审计链做强校验（链是全局的，不能只取某条证据的子集）。
func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	logs, err := s.rt.Store.ListAuditLogs(r.Context(), "", auditVerifyLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": auditverify.VerifyAuditLogs(logs)})
}

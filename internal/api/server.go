package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenACP-Chain/internal/broker"
	"OpenACP-Chain/internal/storage/mysql"
)

// Server 暴露只读状态接口，供运维查看发送记录和付费任务状态。
// 不提供任何写操作。
type Server struct {
	addr     string
	token    string
	delivery mysql.DeliveryRepository
	jobs     *broker.Broker
}

// NewServer 构造状态服务实例。token 为空时不做鉴权。
func NewServer(addr, token string, delivery mysql.DeliveryRepository, jobs *broker.Broker) *Server {
	return &Server{addr: addr, token: token, delivery: delivery, jobs: jobs}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/deliveries", s.withAuth(s.handleDeliveries))
	mux.HandleFunc("/api/v1/jobs/", s.withAuth(s.handleJob))

	server := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withAuth 校验静态 Bearer token。未配置 token 时直接放行。
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			header := r.Header.Get("Authorization")
			provided, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(provided), []byte(s.token)) != 1 {
				http.Error(w, "未授权", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDeliveries 返回最近的发送记录，按时间倒序。
func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 200 {
			http.Error(w, "limit 取值非法", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	records, err := s.delivery.ListLatest(r.Context(), limit)
	if err != nil {
		http.Error(w, "读取发送记录失败", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": records})
}

// handleJob 按发起请求的内容 ID 返回付费任务记录。
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.jobs == nil {
		http.Error(w, "付费任务未启用", http.StatusServiceUnavailable)
		return
	}
	itemID := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	if itemID == "" || strings.Contains(itemID, "/") {
		http.Error(w, "任务 ID 非法", http.StatusBadRequest)
		return
	}

	record, err := s.jobs.JobStatus(r.Context(), itemID)
	if err != nil {
		if errors.Is(err, broker.ErrRecordNotFound) {
			http.Error(w, "任务不存在", http.StatusNotFound)
			return
		}
		http.Error(w, "读取任务记录失败", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": record})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

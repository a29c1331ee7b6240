package job

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/ballot-extract/internal/dispatch"
	"github.com/zombor/ballot-extract/internal/extraction"
	"github.com/zombor/ballot-extract/internal/ratelimit"
	"github.com/zombor/ballot-extract/internal/retry"
)

func chatCompletion(content string) map[string]any {
	return map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	}
}

var _ = Describe("Integration", func() {
	var (
		db       *BoltDB
		limiter  *ratelimit.Limiter
		client   *extraction.OpenAI
		service  *Service
		server   *Server
		upstream *ghttp.Server
		api      *ghttp.Server
	)

	BeforeEach(func() {
		tmpDir := GinkgoT().TempDir()

		var err error
		db, err = NewBoltDB(filepath.Join(tmpDir, "ballots.db"))
		Expect(err).NotTo(HaveOccurred())
		storage, err := NewLocalStorage(filepath.Join(tmpDir, "uploads"))
		Expect(err).NotTo(HaveOccurred())
		quota, err := ratelimit.NewBoltStore(db.Bolt())
		Expect(err).NotTo(HaveOccurred())

		upstream = ghttp.NewServer()
		client = extraction.NewOpenAI(extraction.OpenAIConfig{BaseURL: upstream.URL() + "/v1", Model: "test-model"})

		limiter = ratelimit.NewLimiter(quota)
		cfg := dispatch.DefaultConfig
		cfg.Retry = retry.Options{}
		orchestrator := dispatch.NewOrchestrator(limiter, client, cfg)

		service = NewServiceWithDeps(db, storage, orchestrator, limiter, &sequentialIDs{}, systemClock{})
		Expect(service.SetCredentials(context.Background(), []ratelimit.Credential{key("a"), key("b")})).To(Succeed())
		server = NewServer(service, BasicAuth{})

		api = ghttp.NewServer()
	})

	AfterEach(func() {
		api.Close()
		service.Close()
		client.Close()
		upstream.Close()
		db.Close()
	})

	It("uploads ballots, survives a rate limited batch and stores every result", func() {
		upstream.AppendHandlers(
			ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/v1/chat/completions"),
				ghttp.VerifyHeaderKV("Authorization", "Bearer secret-a"),
				ghttp.RespondWithJSONEncoded(http.StatusTooManyRequests, map[string]any{
					"error": map[string]any{"message": "Rate limit reached", "type": "requests", "code": "rate_limit_exceeded"},
				}),
			),
			ghttp.CombineHandlers(
				ghttp.VerifyHeaderKV("Authorization", "Bearer secret-b"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, chatCompletion(
					`{"title": "Lot A", "property_id": "A-1", "votes": [{"item": "1", "choice": "yes"}], "confidence": 91, "needs_review": false}`,
				)),
			),
			ghttp.CombineHandlers(
				ghttp.VerifyHeaderKV("Authorization", "Bearer secret-b"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, chatCompletion(
					"```json\n{\"title\": \"Lot B\", \"confidence\": 64, \"needs_review\": true, \"notes\": [\"smudged signature\"]}\n```",
				)),
			),
		)
		api.AppendHandlers(server.ServeHTTP, server.ServeHTTP, server.ServeHTTP)

		// --- Step 1: upload ---
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		for _, name := range []string{"lot-a.png", "lot-b.png"} {
			part, err := writer.CreateFormFile("files", name)
			Expect(err).NotTo(HaveOccurred())
			_, err = part.Write(pngBytes())
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(writer.Close()).To(Succeed())

		resp, err := http.Post(api.URL()+"/api/jobs", writer.FormDataContentType(), body)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		var submitted Job
		Expect(json.NewDecoder(resp.Body).Decode(&submitted)).To(Succeed())
		resp.Body.Close()

		// --- Step 2: wait for the run ---
		Eventually(func() State {
			job, err := service.Get(submitted.ID)
			if err != nil {
				return ""
			}
			return job.State
		}).Should(Equal(StateCompleted))
		Expect(upstream.ReceivedRequests()).To(HaveLen(3))

		// --- Step 3: read the job back ---
		resp, err = http.Get(api.URL() + "/api/jobs/" + submitted.ID)
		Expect(err).NotTo(HaveOccurred())
		var job Job
		Expect(json.NewDecoder(resp.Body).Decode(&job)).To(Succeed())
		resp.Body.Close()

		Expect(job.Results).To(HaveLen(2))
		byLabel := map[string]extraction.Result{}
		for _, r := range job.Results {
			byLabel[r.Metadata.SourceLabel] = r
		}
		Expect(byLabel["lot-a.png"].Title).To(Equal("Lot A"))
		Expect(byLabel["lot-a.png"].Votes).To(Equal([]extraction.Vote{{Item: "1", Choice: "yes"}}))
		Expect(byLabel["lot-b.png"].Metadata.NeedsReview).To(BeTrue())
		Expect(byLabel["lot-b.png"].Metadata.Notes).To(Equal([]string{"smudged signature"}))
		Expect(job.Progress.Completed).To(Equal(2))
		Expect(job.Progress.Failed).To(BeZero())

		// --- Step 4: key state ---
		resp, err = http.Get(api.URL() + "/api/keys")
		Expect(err).NotTo(HaveOccurred())
		var keys []ratelimit.KeyStatus
		Expect(json.NewDecoder(resp.Body).Decode(&keys)).To(Succeed())
		resp.Body.Close()

		Expect(keys).To(HaveLen(2))
		Expect(keys[0].ID).To(Equal("a"))
		Expect(keys[0].AvailableTokens).To(BeNumerically("<", 1))
		Expect(keys[1].DailyUsed).To(Equal(2))
	})
})

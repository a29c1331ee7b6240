package extraction

import (
	"context"
	"io"
	"net/http"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

func completion(content string) map[string]any {
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

var _ = Describe("OpenAI", func() {
	var (
		server *ghttp.Server
		client *OpenAI
		ctx    context.Context
		pages  []Page
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		client = NewOpenAI(OpenAIConfig{BaseURL: server.URL() + "/v1", Model: "test-model"})
		ctx = context.Background()
		pages = []Page{{Data: []byte("png-bytes"), MIMEType: "image/png"}}
	})

	AfterEach(func() {
		client.Close()
		server.Close()
	})

	Describe("Extract", func() {
		var (
			doc *Document
			err error
		)

		JustBeforeEach(func() {
			doc, err = client.Extract(ctx, "key-a", pages)
		})

		When("the model answers with a document", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodPost, "/v1/chat/completions"),
					ghttp.VerifyHeaderKV("Authorization", "Bearer key-a"),
					func(_ http.ResponseWriter, r *http.Request) {
						body, err := io.ReadAll(r.Body)
						Expect(err).NotTo(HaveOccurred())
						Expect(string(body)).To(ContainSubstring("data:image/png;base64,"))
						Expect(string(body)).To(ContainSubstring(`"json_object"`))
					},
					ghttp.RespondWithJSONEncoded(http.StatusOK, completion(
						`{"title": "Ballot", "confidence": 150, "needs_review": true}`,
					)),
				))
			})

			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("returns the parsed document with clamped confidence", func() {
				Expect(doc.Title).To(Equal("Ballot"))
				Expect(doc.Confidence).To(Equal(100))
				Expect(doc.NeedsReview).To(BeTrue())
			})
		})

		When("the endpoint rate limits the key", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusTooManyRequests, map[string]any{
					"error": map[string]any{
						"message": "Rate limit reached for requests",
						"type":    "requests",
						"code":    "rate_limit_exceeded",
					},
				}))
			})

			It("keeps the status in the error message", func() {
				Expect(err).To(MatchError(ContainSubstring("429")))
			})
		})

		When("the model answers with something other than the schema", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, completion(`{"answer": 42}`)))
			})

			It("returns ErrInvalidResponse", func() {
				Expect(err).To(MatchError(ErrInvalidResponse))
			})
		})
	})

	Describe("ExtractBatch", func() {
		var (
			docs     []BatchDocument
			err      error
			markers  []string
			received string
		)

		BeforeEach(func() {
			markers = nil
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/v1/chat/completions"),
				func(_ http.ResponseWriter, r *http.Request) {
					body, err := io.ReadAll(r.Body)
					Expect(err).NotTo(HaveOccurred())
					received = string(body)
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, completion(
					`{"documents": [{"source_index": 0, "title": "A", "confidence": 80, "needs_review": false},
					{"source_index": 1, "title": "B", "confidence": 60, "needs_review": true}]}`,
				)),
			))
		})

		JustBeforeEach(func() {
			docs, err = client.ExtractBatch(ctx, "key-b", [][]Page{pages, append(pages, pages[0])})
			for _, line := range strings.Split(received, `"text":"`) {
				if strings.HasPrefix(line, "--- DOCUMENT") {
					markers = append(markers, line[:strings.Index(line, `"`)])
				}
			}
		})

		It("interleaves a marker before each document's pages", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(markers).To(Equal([]string{
				"--- DOCUMENT 0 (1 pages) ---",
				"--- DOCUMENT 1 (2 pages) ---",
			}))
			Expect(strings.Count(received, "data:image/png;base64,")).To(Equal(3))
		})

		It("returns every document with its source index", func() {
			Expect(docs).To(HaveLen(2))
			Expect(docs[1].SourceIndex).To(Equal(1))
			Expect(docs[1].Title).To(Equal("B"))
		})
	})
})

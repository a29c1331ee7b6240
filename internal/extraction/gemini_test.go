package extraction

import (
	"context"
	"time"

	"github.com/google/generative-ai-go/genai"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Gemini", func() {
	var g *Gemini

	BeforeEach(func() {
		g = NewGemini("", 0)
	})

	It("falls back to the default model and timeout", func() {
		Expect(g.modelName).To(Equal("gemini-2.5-flash"))
		Expect(g.timeout).To(Equal(90 * time.Second))
	})

	It("refuses to build a model without a key", func() {
		_, err := g.model(context.Background(), "")
		Expect(err).To(MatchError(ContainSubstring("api key is required")))
	})

	It("refuses requests without a key", func() {
		_, err := g.Extract(context.Background(), "", []Page{{Data: []byte("x"), MIMEType: "image/png"}})
		Expect(err).To(HaveOccurred())
	})

	It("sends pages as image blobs", func() {
		part := imagePart(Page{Data: []byte("png"), MIMEType: "image/png"})
		Expect(part).To(Equal(genai.Blob{MIMEType: "image/png", Data: []byte("png")}))
	})
})

package extraction

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	img.Set(2, 3, color.RGBA{R: 200, A: 255})
	return img
}

func pngData() []byte {
	var buf bytes.Buffer
	Expect(png.Encode(&buf, testImage())).To(Succeed())
	return buf.Bytes()
}

func jpegData() []byte {
	var buf bytes.Buffer
	Expect(jpeg.Encode(&buf, testImage(), nil)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("PreparePages", func() {
	It("passes PNG through untouched", func() {
		data := pngData()
		pages, err := PreparePages(data, "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(pages).To(Equal([]Page{{Data: data, MIMEType: "image/png"}}))
	})

	It("converts JPEG to a single PNG page", func() {
		pages, err := PreparePages(jpegData(), "image/jpeg")
		Expect(err).NotTo(HaveOccurred())
		Expect(pages).To(HaveLen(1))
		Expect(pages[0].MIMEType).To(Equal("image/png"))

		img, err := png.Decode(bytes.NewReader(pages[0].Data))
		Expect(err).NotTo(HaveOccurred())
		Expect(img.Bounds().Dx()).To(Equal(8))
		Expect(img.Bounds().Dy()).To(Equal(6))
	})

	It("sniffs the type when none is given", func() {
		pages, err := PreparePages(jpegData(), "application/octet-stream")
		Expect(err).NotTo(HaveOccurred())
		Expect(pages[0].MIMEType).To(Equal("image/png"))
	})

	It("ignores content type parameters", func() {
		data := pngData()
		pages, err := PreparePages(data, "Image/PNG; charset=binary")
		Expect(err).NotTo(HaveOccurred())
		Expect(pages[0].Data).To(Equal(data))
	})

	It("rejects empty files", func() {
		_, err := PreparePages(nil, "image/png")
		Expect(err).To(MatchError(ContainSubstring("empty file")))
	})

	It("rejects unknown formats", func() {
		_, err := PreparePages([]byte("plain text, not a scan"), "image/jpeg")
		Expect(err).To(MatchError(ContainSubstring("unsupported image format")))
	})

	It("rejects broken PDFs", func() {
		_, err := PreparePages([]byte("%PDF-1.4 truncated"), "application/pdf")
		Expect(err).To(MatchError(ContainSubstring("converting PDF to images")))
	})
})

var _ = DescribeTable("isHEICFormat",
	func(data []byte, want bool) {
		Expect(isHEICFormat(data)).To(Equal(want))
	},
	Entry("heic brand", []byte("\x00\x00\x00\x18ftypheic\x00\x00\x00\x00"), true),
	Entry("mif1 brand", []byte("\x00\x00\x00\x18ftypmif1\x00\x00\x00\x00"), true),
	Entry("mp4 brand", []byte("\x00\x00\x00\x18ftypisom\x00\x00\x00\x00"), false),
	Entry("too short", []byte("ftyp"), false),
)

var _ = Describe("LoadWorkItems", func() {
	It("returns one item per file in input order", func() {
		items, err := LoadWorkItems(context.Background(), []SourceFile{
			{Name: "first.png", ContentType: "image/png", Data: pngData()},
			{Name: "second.jpg", ContentType: "image/jpeg", Data: jpegData()},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(HaveLen(2))
		Expect(items[0].SourceLabel).To(Equal("first.png"))
		Expect(items[1].SourceLabel).To(Equal("second.jpg"))
		Expect(items[1].PageCount).To(Equal(1))
		Expect(items[1].Pages).To(HaveLen(1))
	})

	It("gives every item a distinct id", func() {
		items, err := LoadWorkItems(context.Background(), []SourceFile{
			{Name: "a.png", ContentType: "image/png", Data: pngData()},
			{Name: "b.png", ContentType: "image/png", Data: pngData()},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(items[0].ID).NotTo(BeEmpty())
		Expect(items[0].ID).NotTo(Equal(items[1].ID))
	})

	It("fails the load naming the bad file", func() {
		_, err := LoadWorkItems(context.Background(), []SourceFile{
			{Name: "good.png", ContentType: "image/png", Data: pngData()},
			{Name: "bad.jpg", ContentType: "image/jpeg", Data: []byte("nope")},
		})
		Expect(err).To(MatchError(ContainSubstring("bad.jpg")))
	})

	It("stops when the context is already done", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := LoadWorkItems(ctx, []SourceFile{{Name: "a.png", ContentType: "image/png", Data: pngData()}})
		Expect(err).To(MatchError(context.Canceled))
	})
})

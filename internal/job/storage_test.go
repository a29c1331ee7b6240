package job

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		basePath string
		storage  *LocalStorage
	)

	BeforeEach(func() {
		basePath = filepath.Join(GinkgoT().TempDir(), "uploads")
		var err error
		storage, err = NewLocalStorage(basePath)
		Expect(err).NotTo(HaveOccurred())
	})

	It("creates the base directory", func() {
		info, err := os.Stat(basePath)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.IsDir()).To(BeTrue())
	})

	Describe("Save", func() {
		It("writes under the job directory and returns a relative path", func() {
			path, err := storage.Save("job-1", "ballot.pdf", []byte("pdf"))
			Expect(err).NotTo(HaveOccurred())
			Expect(path).To(Equal(filepath.Join("job-1", "ballot.pdf")))

			data, err := os.ReadFile(filepath.Join(basePath, "job-1", "ballot.pdf"))
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte("pdf")))
		})

		It("keeps both files when names collide", func() {
			first, err := storage.Save("job-1", "scan.png", []byte("one"))
			Expect(err).NotTo(HaveOccurred())
			second, err := storage.Save("job-1", "scan.png", []byte("two"))
			Expect(err).NotTo(HaveOccurred())

			Expect(second).To(Equal(filepath.Join("job-1", "scan-1.png")))
			Expect(storage.Get(first)).To(Equal([]byte("one")))
			Expect(storage.Get(second)).To(Equal([]byte("two")))
		})

		It("does not let a filename escape the job directory", func() {
			path, err := storage.Save("job-1", "../../etc/passwd", []byte("x"))
			Expect(err).NotTo(HaveOccurred())
			Expect(path).To(Equal(filepath.Join("job-1", "passwd")))
		})
	})

	Describe("Get", func() {
		It("fails for missing files", func() {
			_, err := storage.Get(filepath.Join("job-1", "missing.png"))
			Expect(err).To(MatchError(ContainSubstring("reading file")))
		})
	})

	Describe("RemoveJob", func() {
		It("removes every file of the job", func() {
			_, err := storage.Save("job-1", "a.png", []byte("a"))
			Expect(err).NotTo(HaveOccurred())
			_, err = storage.Save("job-2", "b.png", []byte("b"))
			Expect(err).NotTo(HaveOccurred())

			Expect(storage.RemoveJob("job-1")).To(Succeed())

			_, err = os.Stat(filepath.Join(basePath, "job-1"))
			Expect(os.IsNotExist(err)).To(BeTrue())
			Expect(storage.Get(filepath.Join("job-2", "b.png"))).To(Equal([]byte("b")))
		})

		It("does not fail when nothing was stored", func() {
			Expect(storage.RemoveJob("job-9")).To(Succeed())
		})

		It("rejects ids that are paths", func() {
			Expect(storage.RemoveJob("../uploads")).To(HaveOccurred())
			Expect(storage.RemoveJob("")).To(HaveOccurred())
		})
	})
})

var _ = DescribeTable("sanitizeFilename",
	func(in, want string) {
		Expect(sanitizeFilename(in)).To(Equal(want))
	},
	Entry("plain name", "ballot.pdf", "ballot.pdf"),
	Entry("phone photo", "IMG_2024(1)!.HEIC", "IMG_20241.heic"),
	Entry("collapses whitespace", "lot   12  .png", "lot 12.png"),
	Entry("nothing left", "###.jpg", "document.jpg"),
	Entry("no extension", "scan", "scan"),
	Entry("long name", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.pdf", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.pdf"),
)

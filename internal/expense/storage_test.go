package expense

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage *LocalStorage
	)

	BeforeEach(func() {
		tmpDir = filepath.Join(GinkgoT().TempDir(), "files")
		var err error
		storage, err = NewLocalStorage(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	It("creates the base directory", func() {
		info, err := os.Stat(tmpDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.IsDir()).To(BeTrue())
	})

	Describe("Save", func() {
		It("writes the file and returns its name", func() {
			ref, err := storage.Save("id_receipt.jpg", []byte("data"))
			Expect(err).NotTo(HaveOccurred())
			Expect(ref).To(Equal("id_receipt.jpg"))

			content, err := os.ReadFile(filepath.Join(tmpDir, "id_receipt.jpg"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(Equal("data"))
		})

		It("rejects names that leave the directory", func() {
			_, err := storage.Save("../escape.jpg", []byte("data"))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Get", func() {
		It("reads a saved file", func() {
			_, err := storage.Save("a.png", []byte("png"))
			Expect(err).NotTo(HaveOccurred())

			data, err := storage.Get("a.png")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("png"))
		})

		It("returns an error for a missing file", func() {
			_, err := storage.Get("missing.png")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Delete", func() {
		It("removes a saved file", func() {
			_, err := storage.Save("a.png", []byte("png"))
			Expect(err).NotTo(HaveOccurred())

			Expect(storage.Delete("a.png")).To(Succeed())
			_, err = os.Stat(filepath.Join(tmpDir, "a.png"))
			Expect(os.IsNotExist(err)).To(BeTrue())
		})

		It("returns an error for a missing file", func() {
			Expect(storage.Delete("missing.png")).To(HaveOccurred())
		})
	})
})

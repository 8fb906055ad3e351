// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package filesystem_test

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/service/filesystem"
)

var _ = Describe("DefaultService", func() {
	var (
		service *filesystem.DefaultService
		dir     string
		ctx     context.Context
	)

	BeforeEach(func() {
		service = filesystem.NewDefaultService()
		dir = GinkgoT().TempDir()
		ctx = context.Background()
	})

	Describe("Directories", func() {
		It("should create nested directories and be idempotent", func() {
			nested := filepath.Join(dir, "agents", "dev-1", "logs")

			Expect(service.EnsureDirectory(ctx, nested)).To(Succeed())
			Expect(service.EnsureDirectory(ctx, nested)).To(Succeed())

			exists, err := service.PathExists(ctx, nested)
			Expect(err).NotTo(HaveOccurred())
			Expect(exists).To(BeTrue())
		})

		It("should list directory entries", func() {
			Expect(service.WriteFile(ctx, filepath.Join(dir, "a.yaml"), []byte("a: 1"), 0644)).To(Succeed())
			Expect(service.WriteFile(ctx, filepath.Join(dir, "b.txt"), []byte("b"), 0644)).To(Succeed())

			entries, err := service.ReadDir(ctx, dir)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
		})

		It("should match glob patterns", func() {
			Expect(service.WriteFile(ctx, filepath.Join(dir, "current"), []byte("log"), 0644)).To(Succeed())
			Expect(service.WriteFile(ctx, filepath.Join(dir, "@40000000611a0b2c.s.gz"), []byte("old"), 0644)).To(Succeed())

			matches, err := service.Glob(ctx, filepath.Join(dir, "@*.s.gz"))
			Expect(err).NotTo(HaveOccurred())
			Expect(matches).To(HaveLen(1))
		})
	})

	Describe("Files", func() {
		It("should round-trip file content", func() {
			path := filepath.Join(dir, "agent.pid")

			Expect(service.WriteFile(ctx, path, []byte("4711"), 0644)).To(Succeed())

			content, err := service.ReadFile(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(Equal("4711"))

			info, err := service.Stat(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Size()).To(Equal(int64(4)))
		})

		It("should report missing paths without error", func() {
			exists, err := service.PathExists(ctx, filepath.Join(dir, "nope"))
			Expect(err).NotTo(HaveOccurred())
			Expect(exists).To(BeFalse())
		})

		It("should remove files and trees", func() {
			path := filepath.Join(dir, "stale.pid")
			Expect(service.WriteFile(ctx, path, []byte("1"), 0644)).To(Succeed())
			Expect(service.Remove(ctx, path)).To(Succeed())

			tree := filepath.Join(dir, "tree")
			Expect(service.EnsureDirectory(ctx, filepath.Join(tree, "deep"))).To(Succeed())
			Expect(service.RemoveAll(ctx, tree)).To(Succeed())

			exists, err := service.PathExists(ctx, tree)
			Expect(err).NotTo(HaveOccurred())
			Expect(exists).To(BeFalse())
		})

		It("should rename atomically within the same directory", func() {
			tmp := filepath.Join(dir, "config.yaml.tmp")
			final := filepath.Join(dir, "config.yaml")

			Expect(service.WriteFile(ctx, tmp, []byte("devices: []"), 0644)).To(Succeed())
			Expect(service.Rename(ctx, tmp, final)).To(Succeed())

			content, err := service.ReadFile(ctx, final)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(Equal("devices: []"))

			exists, err := service.PathExists(ctx, tmp)
			Expect(err).NotTo(HaveOccurred())
			Expect(exists).To(BeFalse())
		})
	})

	Describe("Context handling", func() {
		It("should refuse operations on a cancelled context", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			path := filepath.Join(dir, "never.txt")
			Expect(service.WriteFile(cancelled, path, []byte("x"), 0644)).To(MatchError(context.Canceled))

			_, err := service.ReadFile(cancelled, path)
			Expect(err).To(MatchError(context.Canceled))

			_, err = service.PathExists(cancelled, path)
			Expect(err).To(MatchError(context.Canceled))
		})
	})

	Describe("Content cache", func() {
		It("should serve modified yaml files fresh", func() {
			path := filepath.Join(dir, "config.yaml")
			Expect(service.WriteFile(ctx, path, []byte("generation: 1"), 0644)).To(Succeed())

			content, err := service.ReadFile(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(Equal("generation: 1"))

			// Out-of-band change with a different size invalidates the cache.
			Expect(os.WriteFile(path, []byte("generation: 2\nextra: true"), 0644)).To(Succeed())

			content, err = service.ReadFile(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(Equal("generation: 2\nextra: true"))
		})

		It("should drop cached entries when the file disappears", func() {
			path := filepath.Join(dir, "config.yaml")
			Expect(service.WriteFile(ctx, path, []byte("generation: 1"), 0644)).To(Succeed())

			_, err := service.ReadFile(ctx, path)
			Expect(err).NotTo(HaveOccurred())

			Expect(os.Remove(path)).To(Succeed())

			_, err = service.ReadFile(ctx, path)
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("MockFileSystem", func() {
	var (
		mock *filesystem.MockFileSystem
		ctx  context.Context
	)

	BeforeEach(func() {
		mock = filesystem.NewMockFileSystem()
		ctx = context.Background()
	})

	It("should satisfy the Service interface", func() {
		var service filesystem.Service = mock
		Expect(service).NotTo(BeNil())
	})

	It("should delegate to custom functions when set", func() {
		mock.WithReadFileFunc(func(ctx context.Context, path string) ([]byte, error) {
			return []byte("injected"), nil
		})

		content, err := mock.ReadFile(ctx, "/any/path")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).To(Equal("injected"))
	})

	It("should fail every operation at failure rate 1.0", func() {
		mock.WithFailureRate(1.0)

		Expect(mock.WriteFile(ctx, "/any", nil, 0644)).NotTo(Succeed())
		Expect(mock.FailedOperations).To(HaveKey("WriteFile:/any"))
	})

	It("should succeed with defaults", func() {
		Expect(mock.EnsureDirectory(ctx, "/any")).To(Succeed())

		content, err := mock.ReadFile(ctx, "/any")
		Expect(err).NotTo(HaveOccurred())
		Expect(content).NotTo(BeEmpty())

		exists, err := mock.PathExists(ctx, "/any")
		Expect(err).NotTo(HaveOccurred())
		Expect(exists).To(BeTrue())
	})
})

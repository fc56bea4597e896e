package crossd_test

import (
	"os"
	"path/filepath"

	"github.com/meridianfi/crossd/pkg/crossd"
	"go.uber.org/zap"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	valid := func() crossd.Config {
		return crossd.Config{
			Key: "9af28f9d2c9faf31a2d9d1ae1ea266cfebbf1acb0c5be2aa42c1dcdfce7d4f0b",
			Chains: []crossd.ChainConfig{
				{
					Chain:         "ethereum_localnet",
					URL:           "http://localhost:8545",
					ChainID:       31337,
					SwapAddress:   "0xA000000000000000000000000000000000000001",
					Confirmations: 1,
				},
				{
					Chain:         "bitcoin_regtest",
					Indexer:       "http://localhost:30000",
					Confirmations: 1,
				},
			},
			RpcUserName:     "admin",
			RpcPassword:     "pass",
			InitiatorWindow: "24h",
			TimelockMargin:  "6h",
		}
	}

	It("should load a config file", func() {
		path := filepath.Join(GinkgoT().TempDir(), "config.json")
		Expect(os.WriteFile(path, []byte(`{"key":"ab","timelockMargin":"6h"}`), 0o600)).To(Succeed())

		config, err := crossd.LoadConfig(path)
		Expect(err).To(BeNil())
		Expect(config.Key).To(Equal("ab"))
		Expect(config.TimelockMargin).To(Equal("6h"))
	})

	It("should fail on a missing config file", func() {
		_, err := crossd.LoadConfig(filepath.Join(GinkgoT().TempDir(), "nope.json"))
		Expect(err).To(HaveOccurred())
	})

	It("should reject a config without a key", func() {
		config := valid()
		config.Key = ""
		_, err := crossd.New(config, zap.NewNop())
		Expect(err).To(HaveOccurred())
	})

	It("should reject a config without a timelock margin", func() {
		config := valid()
		config.TimelockMargin = ""
		_, err := crossd.New(config, zap.NewNop())
		Expect(err).To(HaveOccurred())
	})

	It("should reject a malformed margin duration", func() {
		config := valid()
		config.TimelockMargin = "six hours"
		_, err := crossd.New(config, zap.NewNop())
		Expect(err).To(HaveOccurred())
	})

	It("should reject fewer than two chains", func() {
		config := valid()
		config.Chains = config.Chains[:1]
		_, err := crossd.New(config, zap.NewNop())
		Expect(err).To(HaveOccurred())
	})

	It("should reject an unknown chain", func() {
		config := valid()
		config.Chains[0].Chain = "dogecoin"
		_, err := crossd.New(config, zap.NewNop())
		Expect(err).To(HaveOccurred())
	})

	It("should reject an evm chain without a swap contract", func() {
		config := valid()
		config.Chains[0].SwapAddress = ""
		_, err := crossd.New(config, zap.NewNop())
		Expect(err).To(HaveOccurred())
	})
})

// Command gen_checkpoint writes a latent-diffusion checkpoint description and
// a textual-inversion embeddings file, optionally registering both in the
// model store.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-stipple/internal/checkpoint"
	"github.com/23skdu/longbow-stipple/internal/diffusion"
	"github.com/23skdu/longbow-stipple/internal/logger"
	"github.com/23skdu/longbow-stipple/internal/modelstore"
	"github.com/23skdu/longbow-stipple/internal/tokenizer"
)

func main() {
	var (
		outDir      string
		withTable   bool
		placeholder string
		token       int64
		vectors     int
		register    string
	)
	ckpt := checkpoint.Default()

	cmd := &cobra.Command{
		Use:           "gen_checkpoint",
		Short:         "Generate checkpoint and embedding files",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := diffusion.AlphasCumprod(ckpt.BetaSchedule, ckpt.Timesteps, ckpt.LinearStart, ckpt.LinearEnd)
			if err != nil {
				return err
			}
			ckpt.AlphasCumprod = ac
			if err := ckpt.Validate(); err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}

			ckptPath := filepath.Join(outDir, ckpt.Name+".gguf")
			if err := checkpoint.Write(ckptPath, ckpt, withTable); err != nil {
				return err
			}
			logger.Log.Info("wrote checkpoint", "path", ckptPath, "stored_table", withTable)

			if token < 0 {
				id, _ := tokenizer.Hashed().ID(placeholder)
				token = int64(id)
			}

			// random vectors stand in for trained ones
			rng := rand.New(rand.NewSource(token))
			vec := make([]float32, vectors*ckpt.ContextDim)
			for i := range vec {
				vec[i] = float32(rng.NormFloat64() * 0.01)
			}
			emb := checkpoint.Embedding{
				Placeholder: placeholder,
				Token:       token,
				Vectors:     vec,
				Dims:        []uint64{uint64(ckpt.ContextDim), uint64(vectors)},
			}
			embPath := filepath.Join(outDir, "embeddings.gguf")
			if err := checkpoint.WriteEmbeddings(embPath, []checkpoint.Embedding{emb}); err != nil {
				return err
			}
			logger.Log.Info("wrote embeddings", "path", embPath, "placeholder", placeholder, "token", token)

			if register == "" {
				return nil
			}
			store, err := modelstore.Open()
			if err != nil {
				return err
			}
			if _, err := store.Import(register, modelstore.MediaTypeCheckpoint, ckptPath); err != nil {
				return err
			}
			if _, err := store.Import(register, modelstore.MediaTypeEmbeddings, embPath); err != nil {
				return err
			}
			logger.Log.Info("registered in model store", "name", register, "root", store.Root)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&outDir, "out", ".", "output directory")
	f.StringVar(&ckpt.Name, "name", ckpt.Name, "checkpoint name")
	f.IntVar(&ckpt.Timesteps, "timesteps", ckpt.Timesteps, "training timesteps")
	f.Float64Var(&ckpt.LinearStart, "linear-start", ckpt.LinearStart, "first beta")
	f.Float64Var(&ckpt.LinearEnd, "linear-end", ckpt.LinearEnd, "last beta")
	f.StringVar((*string)(&ckpt.BetaSchedule), "beta-schedule", string(ckpt.BetaSchedule), "linear, scaled_linear or raw_linear")
	f.BoolVar(&withTable, "with-table", true, "store alphas_cumprod instead of rebuilding it on load")
	f.StringVar(&placeholder, "placeholder", checkpoint.DefaultPlaceholder, "embedding placeholder string")
	f.Int64Var(&token, "token", -1, "embedding token id (default the placeholder's CLIP id)")
	f.IntVar(&vectors, "vectors", 1, "vectors per placeholder")
	f.StringVar(&register, "register", "", "import both files into the model store under this name")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

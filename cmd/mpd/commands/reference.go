package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dishu2607/missing-person-detection/pkg/cli"
	"github.com/dishu2607/missing-person-detection/pkg/identity"
	"github.com/dishu2607/missing-person-detection/pkg/recordstore"
	"github.com/dishu2607/missing-person-detection/pkg/registry"
)

// faceInput is one face in a reference file.
type faceInput struct {
	PersonID   string               `json:"person_id,omitempty" yaml:"person_id,omitempty"`
	Embedding  identity.Embedding   `json:"embedding" yaml:"embedding"`
	Attributes *identity.Attributes `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	CropRef    string               `json:"crop_ref,omitempty" yaml:"crop_ref,omitempty"`
}

var referenceCmd = &cobra.Command{
	Use:     "reference",
	Aliases: []string{"ref"},
	Short:   "Register and inspect reference identities",
}

var referenceAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register reference faces",
	Long: `Register one or more reference faces.

The input file holds a face or a list of faces. With --upload, faces
without a person_id are named after the upload:
<YYYYMMDD_HHMMSS>_<file>_person<i>. Without it, every face needs a
person_id.

Example file (faces.yaml):
  - embedding: [0.012, -0.034, ...]   # 512 floats
    attributes:
      age: 30
      gender: Male
      color: [200, 150, 100]
    crop_ref: uploads/photo_person0.jpg

Examples:
  mpd reference add -f faces.yaml --upload photo.jpg
  mpd reference add -f known.json --format table`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		upload, _ := cmd.Flags().GetString("upload")
		if file == "" {
			return fmt.Errorf("input file is required, use -f flag")
		}
		faces, err := cli.LoadList[faceInput](file)
		if err != nil {
			return err
		}
		if len(faces) == 0 {
			return fmt.Errorf("%s holds no faces", file)
		}

		ctx := cmd.Context()
		env, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer env.close()
		if err := env.openIndex(ctx); err != nil {
			return err
		}

		reg := registry.New(registry.Config{Index: env.index, Store: env.store, Logger: env.logger})
		inputs := make([]registry.Input, len(faces))
		for i, f := range faces {
			inputs[i] = registry.Input(f)
		}
		var refs []*identity.Reference
		if upload != "" {
			refs, err = reg.RegisterUpload(ctx, upload, inputs)
		} else {
			refs, err = reg.RegisterBatch(ctx, inputs)
		}
		if len(refs) > 0 {
			if outErr := outputResult(cmd, viewReferences(refs)); outErr != nil {
				return outErr
			}
			cli.PrintSuccess("registered %d of %d faces", len(refs), len(faces))
		}
		return err
	},
}

var referenceGetCmd = &cobra.Command{
	Use:   "get <id|person-id>",
	Short: "Show a reference",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer env.close()

		ref, err := recordstore.Lookup(ctx, env.store, args[0])
		if err != nil {
			return err
		}
		return outputResult(cmd, referenceList{viewReference(ref)})
	},
}

var referenceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List references in registration order",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer env.close()

		refs, err := collectReferences(ctx, env.store)
		if err != nil {
			return err
		}
		return outputResult(cmd, viewReferences(refs))
	},
}

func collectReferences(ctx context.Context, s recordstore.References) ([]*identity.Reference, error) {
	var refs []*identity.Reference
	for ref, err := range s.References(ctx) {
		if err != nil {
			if identity.KindOf(err) == identity.KindInvalidRecord {
				cli.PrintWarning("skipping unreadable reference: %v", err)
				continue
			}
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func viewReferences(refs []*identity.Reference) referenceList {
	out := make(referenceList, 0, len(refs))
	for _, r := range refs {
		out = append(out, viewReference(r))
	}
	return out
}

func init() {
	referenceAddCmd.Flags().StringP("file", "f", "", "faces file (YAML or JSON, - for stdin)")
	referenceAddCmd.Flags().String("upload", "", "uploaded file name used to generate person ids")

	referenceCmd.AddCommand(referenceAddCmd)
	referenceCmd.AddCommand(referenceGetCmd)
	referenceCmd.AddCommand(referenceListCmd)
	rootCmd.AddCommand(referenceCmd)
}

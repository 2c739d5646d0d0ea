package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	resolverdomain "github.com/smallbiznis/genbroker/internal/resolver/domain"
	resolverservice "github.com/smallbiznis/genbroker/internal/resolver/service"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type resolveOptions struct {
	kind       string
	category   string
	service    string
	style      string
	tool       string
	creativity int
	text       string
	seed       int64
	output     string
}

var resolveOpts resolveOptions

func init() {
	flags := resolveCmd.Flags()
	flags.StringVar(&resolveOpts.kind, "kind", string(resolverdomain.KindImage), "image or video")
	flags.StringVar(&resolveOpts.category, "category", "", "Domain category, e.g. interior or exterior")
	flags.StringVar(&resolveOpts.service, "service", "", "Service type, e.g. renovation or sketch_to_render")
	flags.StringVar(&resolveOpts.style, "style", "", "Design style")
	flags.StringVar(&resolveOpts.tool, "tool", "", "Tool override")
	flags.IntVar(&resolveOpts.creativity, "creativity", 50, "Creativity from 0 to 100")
	flags.StringVar(&resolveOpts.text, "text", "", "Free-form instructions appended to the prompt")
	flags.Int64Var(&resolveOpts.seed, "seed", 0, "Seed recorded on the request")
	flags.StringVarP(&resolveOpts.output, "output", "o", "json", "Output format: json or yaml")
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Print the backend, parameters and prompt for a creative request",
	Long: `Resolve runs the parameter resolver locally without charging credits or
contacting a backend. Unknown keys fall back the same way they do in the API.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runResolve(cmd.OutOrStdout(), resolveOpts)
	},
}

func runResolve(w io.Writer, opts resolveOptions) error {
	kind := resolverdomain.Kind(strings.ToLower(strings.TrimSpace(opts.kind)))
	if kind != resolverdomain.KindImage && kind != resolverdomain.KindVideo {
		return fmt.Errorf("unsupported kind %q", opts.kind)
	}

	svc := resolverservice.NewService(resolverservice.Params{})
	req := svc.Resolve(resolverdomain.ResolveInput{
		Kind:           kind,
		DomainCategory: opts.category,
		ServiceType:    opts.service,
		Style:          opts.style,
		Tool:           opts.tool,
		Creativity:     opts.creativity,
		FreeformText:   opts.text,
		Seed:           opts.seed,
	})

	switch strings.ToLower(strings.TrimSpace(opts.output)) {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(req)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(req); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q", opts.output)
	}
}

package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ineyio/imagegate"
	"github.com/ineyio/imagegate/validator"
)

// requestFlags are the request fields shared by estimate and generate.
type requestFlags struct {
	prompt     string
	size       string
	quality    string
	numImages  int
	provider   string
	maxCost    string
	user       string
	department string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.prompt, "prompt", "p", "", "image prompt")
	cmd.Flags().StringVar(&f.size, "size", string(imagegate.SizeSmall), "image size (WIDTHxHEIGHT)")
	cmd.Flags().StringVar(&f.quality, "quality", string(imagegate.QualityStandard), "quality: standard or hd")
	cmd.Flags().IntVarP(&f.numImages, "num-images", "n", 1, "number of images")
	cmd.Flags().StringVar(&f.provider, "provider", "", "preferred provider")
	cmd.Flags().StringVar(&f.maxCost, "max-cost", "", "maximum estimated cost in AUD")
	cmd.Flags().StringVar(&f.user, "user", "", "requesting user ID")
	cmd.Flags().StringVar(&f.department, "department", "", "department ID charged with the spend")
}

func (f *requestFlags) request() (imagegate.GenerationRequest, error) {
	size, err := imagegate.ParseSize(f.size)
	if err != nil {
		return imagegate.GenerationRequest{}, err
	}
	quality, err := imagegate.ParseQuality(f.quality)
	if err != nil {
		return imagegate.GenerationRequest{}, err
	}
	req := imagegate.GenerationRequest{
		Prompt:            f.prompt,
		Size:              size,
		Quality:           quality,
		NumImages:         f.numImages,
		PreferredProvider: f.provider,
		UserID:            f.user,
		DepartmentID:      f.department,
	}
	if f.maxCost != "" {
		d, err := imagegate.ParseMoney(f.maxCost)
		if err != nil {
			return imagegate.GenerationRequest{}, fmt.Errorf("invalid --max-cost: %w", err)
		}
		req.MaxCost = imagegate.MoneyPtr(d)
	}
	return req, nil
}

func newValidateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "validate PROMPT",
		Short: "Screen a prompt for PII and policy violations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()

			d, err := a.buildValidator().Validate(cmd.Context(), args[0])
			printDecision(cmd.OutOrStdout(), d)
			return err
		},
	}
}

func newEstimateCmd(g *globals) *cobra.Command {
	var f requestFlags

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Price a request on every configured provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request()
			if err != nil {
				return err
			}
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()

			r, err := a.buildRouter()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tCOST (AUD)\tSUPPORTED\tHEALTHY")
			for _, e := range r.Estimates(req) {
				fmt.Fprintf(w, "%s\t%s\t%t\t%t\n", e.Provider, e.Cost.StringFixed(2), e.Supported, e.Healthy)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if p, cost, ok := r.Select(req); ok {
				fmt.Fprintf(out, "\nSelected: %s (%s AUD)\n", p.Name(), cost.StringFixed(2))
			} else {
				fmt.Fprintf(out, "\n%s\n", imagegate.NoProviderReason)
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newGenerateCmd(g *globals) *cobra.Command {
	var f requestFlags

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Admit and run one generation request",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request()
			if err != nil {
				return err
			}
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.buildPipeline(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			res, err := p.Admit(cmd.Context(), req)
			if res != nil {
				fmt.Fprintf(out, "Request ID:    %s\n", res.RequestID)
				if len(res.Decision.Issues) > 0 {
					printDecision(out, res.Decision)
				}
			}
			if err != nil {
				return fmt.Errorf("%s: %w", imagegate.Code(err), err)
			}

			o := res.Outcome
			fmt.Fprintf(out, "Provider:      %s\n", o.Provider)
			fmt.Fprintf(out, "Model:         %s\n", o.Model)
			fmt.Fprintf(out, "Estimated:     %s AUD\n", res.Estimated.StringFixed(2))
			fmt.Fprintf(out, "Cost:          %s AUD (%s per image)\n", o.Cost.StringFixed(2), res.CostPerImage.StringFixed(2))
			fmt.Fprintf(out, "Attempts:      %d\n", o.Attempts)
			fmt.Fprintf(out, "Latency:       %dms\n", o.Elapsed.Milliseconds())
			for _, u := range o.ImageURLs {
				fmt.Fprintln(out, u)
			}
			for _, e := range res.Admission.Exceeded {
				fmt.Fprintf(out, "warning: %s budget %s over by %s AUD (%s)\n",
					e.Subject.Level, e.Subject.ID, e.Overage.StringFixed(2), e.Mode)
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func printDecision(out io.Writer, d validator.Decision) {
	fmt.Fprintf(out, "Decision:      %s\n", d.Action)
	if len(d.Issues) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tSEVERITY\tMESSAGE")
	for _, i := range d.Issues {
		fmt.Fprintf(w, "%s\t%s\t%s\n", i.Type, i.Severity, i.Message)
	}
	_ = w.Flush()
	if d.AnonymizedPrompt != "" {
		fmt.Fprintf(out, "Anonymized:    %s\n", strings.TrimSpace(d.AnonymizedPrompt))
	}
}

package main

import (
	"context"

	"github.com/guardian/prism/internal/present"
	"github.com/guardian/prism/internal/prism"
	"github.com/guardian/prism/internal/query"
	"github.com/spf13/cobra"
)

type listOptions struct {
	short  bool
	fields string
}

func (o *listOptions) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&o.short, "short", "s", false, "print addresses only, one per line")
	cmd.Flags().StringVar(&o.fields, "fields", "", "comma-separated fields to print, e.g. stage,app/0,dnsName")
	cmd.MarkFlagsMutuallyExclusive("short", "fields")
}

func newListCmd(a *app, noun, short string, kinds []prism.Kind) *cobra.Command {
	var opts listOptions
	cmd := &cobra.Command{
		Use:   noun + " [filter...]",
		Short: short,
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.list(cmd.Context(), kinds, noun, args, opts)
		},
	}
	opts.bind(cmd)
	return cmd
}

func (a *app) list(ctx context.Context, kinds []prism.Kind, noun string, terms []string, opts listOptions) error {
	q, err := query.Compile(terms)
	if err != nil {
		return err
	}

	res, err := a.discover(ctx, kinds, q)
	if err != nil {
		return err
	}

	r := &present.Renderer{Out: a.stdout, Err: a.stderr, Noun: noun}
	switch {
	case opts.short:
		r.Mode = present.ModeShort
	case opts.fields != "":
		r.Mode = present.ModeFields
		r.Fields = present.ParseFields(opts.fields)
	}
	return r.Render(res.Records)
}

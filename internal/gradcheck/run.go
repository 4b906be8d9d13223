package gradcheck

import (
	"log"

	"github.com/pkg/errors"

	"tensordriver/internal/conv"
)

// Options configures a gradient-check run.
type Options struct {
	Fixture   string // MAT-file with x, w, b, dout; empty draws random fixtures
	Seed      int64
	Param     conv.Param
	Im2ColOut string // optional MAT-file for the im2col export
	FilterH   int
	FilterW   int
	Simple    string // optional MAT-file holding x_simple for a 2x2 im2col expansion
}

// Run loads fixtures, checks both backward passes and optionally exports an im2col sample and
// expands a simple MATLAB-ordered input.
func Run(opts Options) (Report, error) {
	var (
		fx  Fixtures
		err error
	)
	if opts.Fixture != "" {
		fx, err = LoadFixtures(opts.Fixture)
		if err != nil {
			return Report{}, err
		}
		log.Printf("fixture=%s x=%v w=%v b=%v dout=%v", opts.Fixture, fx.X.Shape, fx.W.Shape, fx.B.Shape, fx.Dout.Shape)
	} else {
		fx = RandomFixtures(opts.Seed)
		log.Printf("fixture=random seed=%d", opts.Seed)
	}

	report, err := Check(fx, opts.Param)
	if err != nil {
		return Report{}, errors.Wrap(err, "gradient check")
	}
	log.Printf("naive dx_error=%.3e dw_error=%.3e db_error=%.3e", report.Naive.DX, report.Naive.DW, report.Naive.DB)
	log.Printf("im2col dx_error=%.3e dw_error=%.3e db_error=%.3e", report.Im2Col.DX, report.Im2Col.DW, report.Im2Col.DB)
	log.Printf("forward naive_vs_im2col=%.3e", report.Forward)

	if opts.Im2ColOut != "" {
		fh, fw := opts.FilterH, opts.FilterW
		if fh <= 0 {
			fh = fx.W.Shape[2]
		}
		if fw <= 0 {
			fw = fx.W.Shape[3]
		}
		cols, err := ExportIm2Col(opts.Im2ColOut, fx.X, fh, fw, opts.Param)
		if err != nil {
			return report, err
		}
		outH, outW, _ := conv.OutputSize(fx.X.Shape[2], fx.X.Shape[3], fh, fw, opts.Param)
		log.Printf("im2col x=%v x_cols=%v out_height=%d out_width=%d path=%s", fx.X.Shape, cols.Shape, outH, outW, opts.Im2ColOut)
	}
	if opts.Simple != "" {
		x, cols, err := SimpleIm2Col(opts.Simple)
		if err != nil {
			return report, errors.Wrap(err, "simple input")
		}
		log.Printf("simple x=%v x_cols=%v path=%s", x.Shape, cols.Shape, opts.Simple)
	}
	return report, nil
}

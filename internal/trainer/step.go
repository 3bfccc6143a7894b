package trainer

import (
	"context"
	"fmt"
	"io"

	"github.com/banshee-data/timesplat/internal/dataset"
	"github.com/banshee-data/timesplat/internal/loss"
	"github.com/banshee-data/timesplat/internal/optim"
	"github.com/banshee-data/timesplat/internal/raster"
	"github.com/banshee-data/timesplat/internal/rundb"
)

// frame is the forward state of one training render kept for backward.
type frame struct {
	albedo  *render
	shading *render // nil when shading is disabled
	color   []float64
	weight  []float64 // per-pixel mask times alpha
	pred    loss.Image
	toned   loss.Image
}

// RunStep executes one training step: fetch, render, loss, backward,
// checkpoint, optimizer update, density control and the scheduled
// evaluation. It returns the step's summary.
func (r *Runner) RunStep(ctx context.Context) (StepInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	step := r.step
	info := StepInfo{Step: step}
	if r.mode == optim.Sparse && !r.cfg.GetPacked() {
		return info, ErrSparseWithoutPacked
	}
	if r.started.IsZero() {
		r.started = r.clock.Now()
	}
	tic := r.clock.Now()

	sample, err := r.next(ctx)
	if err != nil {
		return info, err
	}
	if err := sample.Validate(); err != nil {
		return info, err
	}

	t := sample.Time + r.noise.NormFloat64()*r.scene.TimeGap()*r.cfg.GetTimeNoiseScale()
	sun := sample.SunAngle
	std := r.scene.SunStd()
	sun[0] += r.noise.NormFloat64() * std[0] * r.cfg.GetAngleNoiseScale()
	sun[1] += r.noise.NormFloat64() * std[1] * r.cfg.GetAngleNoiseScale()

	fr, err := r.forward(ctx, sample.Camera, t, sun, sample.Alpha, sample.Mask)
	if err != nil {
		return info, err
	}
	if r.grid != nil {
		if fr.toned, err = r.grid.Apply(sample.ImageID, fr.pred); err != nil {
			return info, err
		}
	} else {
		fr.toned = fr.pred
	}

	total, l1, ssim, vToned, err := loss.Photometric(fr.toned, sample.Image, loss.Weights{SSIMLambda: r.cfg.GetSSIMLambda()})
	if err != nil {
		return info, err
	}
	if r.grid != nil {
		info.TV = r.grid.TotalVariation(tvWeight)
		total += tvWeight * info.TV
	}
	for _, p := range r.populations() {
		total += p.Regularize(r.cfg.GetOpacityReg(), r.cfg.GetScaleReg())
	}
	info.Loss, info.L1, info.SSIM = total, l1, ssim

	if err := r.albedo.Strategy.StepPreBackward(r.albedo.Store, r.albedo.Opts, r.albedo.State, step, fr.albedo.out.Stats); err != nil {
		return info, err
	}
	if r.shading != nil {
		if err := r.shading.Strategy.StepPreBackward(r.shading.Store, r.shading.Opts, r.shading.State, step, fr.shading.out.Stats); err != nil {
			return info, err
		}
	}

	vPred := vToned
	if r.grid != nil {
		if vPred, err = r.grid.Backward(sample.ImageID, fr.pred, vToned); err != nil {
			return info, err
		}
	}
	if err := r.backward(ctx, fr, vPred); err != nil {
		return info, err
	}

	if step == r.cfg.GetMaxSteps()-1 || r.isStep(r.cfg.GetSaveSteps(), step) {
		if err := r.saveCheckpoint(step); err != nil {
			return info, err
		}
	}

	if err := r.albedo.Update(r.mode, fr.albedo.out.Stats); err != nil {
		return info, err
	}
	if r.shading != nil {
		if err := r.shading.Update(r.mode, fr.shading.out.Stats); err != nil {
			return info, err
		}
	}
	if r.grid != nil {
		r.grid.Step(r.gridOpt)
		r.gridSch.Step()
	}

	if err := r.albedo.PostBackward(step, fr.albedo.out.Stats); err != nil {
		return info, err
	}
	if r.shading != nil {
		if err := r.shading.PostBackward(step, fr.shading.out.Stats); err != nil {
			return info, err
		}
	}

	if r.isStep(r.cfg.GetEvalSteps(), step) && r.val != nil {
		if _, err := r.evaluate(ctx, step, "val"); err != nil {
			return info, err
		}
		if r.cfg.GetCompression() != "" {
			if _, err := r.compress(ctx, step); err != nil {
				return info, err
			}
		}
	}

	info.NumSplats = r.albedo.Len()
	info.NumShading = r.numShading()
	info.Rays = sample.Camera.Width * sample.Camera.Height
	info.Took = r.clock.Since(tic)
	info.Elapsed = r.elapsed()
	r.lastInfo = info
	if every := r.cfg.GetStatsEvery(); every > 0 && step%every == 0 {
		r.recordStats(info)
	}
	r.step++
	return info, nil
}

func (r *Runner) recordStats(info StepInfo) {
	r.history = append(r.history, info)
	r.logger.Printf("[Trainer] step %d: loss=%.4f l1=%.4f ssim=%.4f splats=%d shading=%d",
		info.Step, info.Loss, info.L1, info.SSIM, info.NumSplats, info.NumShading)
	if r.db == nil {
		return
	}
	if err := r.db.RecordTrainStat(rundb.TrainStat{
		RunID:       r.runID,
		Step:        info.Step,
		Loss:        info.Loss,
		L1:          info.L1,
		SSIM:        info.SSIM,
		NumSplats:   info.NumSplats,
		NumShading:  info.NumShading,
		ElapsedSecs: info.Elapsed,
	}); err != nil {
		r.logger.Printf("[Trainer] failed to record stats: %v", err)
	}
}

// next returns the following training sample, starting the loader on first
// use.
func (r *Runner) next(ctx context.Context) (*dataset.Sample, error) {
	if r.loader == nil {
		r.loader = dataset.NewLoader(dataset.LoaderConfig{
			Source:  r.scene,
			Workers: r.cfg.GetWorkers(),
			Shuffle: true,
			Repeat:  true,
			Seed:    r.cfg.GetSeed(),
			Logger:  r.logger,
		})
		r.loader.Start(context.WithoutCancel(ctx))
	}
	s, err := r.loader.Next(ctx)
	if err == io.EOF {
		return nil, fmt.Errorf("training data exhausted")
	}
	return s, err
}

// forward renders both populations, multiplies the shading in and applies
// the mask and the target's alpha.
func (r *Runner) forward(ctx context.Context, cam raster.Camera, t float64, sun [2]float64, alpha []float64, mask []bool) (*frame, error) {
	fr := &frame{}
	var err error
	if fr.albedo, err = r.albedo.Render(ctx, r.rast, []float64{t}, cam); err != nil {
		return nil, err
	}
	pixels := cam.Width * cam.Height
	fr.color = fr.albedo.image
	if r.shading != nil {
		if fr.shading, err = r.shading.Render(ctx, r.rast, []float64{t, sun[0], sun[1]}, cam); err != nil {
			return nil, err
		}
		fr.color = ShadingCompositor{}.Forward(fr.albedo.image, fr.shading.image, pixels)
	}
	fr.weight = pixelWeights(pixels, alpha, mask)
	fr.pred = loss.NewImage(cam.Width, cam.Height, 3)
	for p, w := range fr.weight {
		for c := 0; c < 3; c++ {
			fr.pred.Pix[p*3+c] = fr.color[p*3+c] * w
		}
	}
	return fr, nil
}

// backward takes the gradient on the weighted prediction back into both
// populations.
func (r *Runner) backward(ctx context.Context, fr *frame, vPred []float64) error {
	vColor := make([]float64, len(vPred))
	for p, w := range fr.weight {
		for c := 0; c < 3; c++ {
			vColor[p*3+c] = vPred[p*3+c] * w
		}
	}
	vAlbedo := vColor
	if fr.shading != nil {
		var vShading []float64
		vAlbedo, vShading = ShadingCompositor{}.Backward(fr.albedo.image, fr.shading.image, vColor)
		if err := r.shading.Backward(ctx, r.rast, fr.shading, vShading); err != nil {
			return err
		}
	}
	return r.albedo.Backward(ctx, r.rast, fr.albedo, vAlbedo)
}

// pixelWeights folds the validity mask into the alpha. A nil alpha counts
// as fully opaque.
func pixelWeights(pixels int, alpha []float64, mask []bool) []float64 {
	w := make([]float64, pixels)
	for p := range w {
		w[p] = 1
		if alpha != nil {
			w[p] = alpha[p]
		}
		if mask != nil && !mask[p] {
			w[p] = 0
		}
	}
	return w
}

// renderSample produces the prediction scored against an evaluation
// sample: the training composite at the sample's exact labels. Tone grids
// exist only for training images, so none is applied.
func (r *Runner) renderSample(ctx context.Context, s *dataset.Sample) (loss.Image, error) {
	fr, err := r.forward(ctx, s.Camera, s.Time, s.SunAngle, s.Alpha, s.Mask)
	if err != nil {
		return loss.Image{}, err
	}
	return fr.pred, nil
}

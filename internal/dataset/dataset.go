// Package dataset loads time-lapse photo collections: a manifest.json
// listing PNG frames with capture timestamps, taken from a fixed camera at a
// known site. It normalizes capture dates into the time labels used by the
// temporal kernel, derives sun angles, and splits frames into training and
// validation sets.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/timesplat/internal/fsutil"
	"github.com/banshee-data/timesplat/internal/loss"
	"github.com/banshee-data/timesplat/internal/raster"
	"github.com/banshee-data/timesplat/internal/security"
)

// ManifestName is the file every dataset directory must contain.
const ManifestName = "manifest.json"

// Split selects training or validation frames.
type Split string

const (
	SplitTrain Split = "train"
	SplitVal   Split = "val"
	SplitAll   Split = "all"
)

// Site describes where the camera stands.
type Site struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone,omitempty"` // IANA name, UTC when empty
}

// Frame is one manifest entry.
type Frame struct {
	File  string    `json:"file"`
	Time  time.Time `json:"time"`
	Alpha string    `json:"alpha,omitempty"` // optional grayscale alpha PNG
	Mask  string    `json:"mask,omitempty"`  // optional grayscale validity mask PNG
}

// Manifest is the on-disk description of a dataset.
type Manifest struct {
	Site   Site    `json:"site"`
	Focal  float64 `json:"focal,omitempty"` // pixels per scene unit; width/2 when zero
	Frames []Frame `json:"frames"`
}

// Sample is one training or evaluation observation.
type Sample struct {
	ImageID  int // index within the split
	Frame    Frame
	Image    loss.Image // RGB in [0,1]
	Alpha    []float64  // [H*W] in [0,1]
	Mask     []bool     // [H*W]; nil means every pixel is valid
	Camera   raster.Camera
	Time     float64    // normalized capture day
	SunAngle [2]float64 // normalized azimuth, altitude
	Date     time.Time  // capture time in site local time
}

// Validate checks the fields a training step depends on.
func (s *Sample) Validate() error {
	n := s.Image.Width * s.Image.Height
	switch {
	case s.Image.Channels != 3 || len(s.Image.Pix) != n*3:
		return fmt.Errorf("sample %d: image buffer does not match %dx%dx3", s.ImageID, s.Image.Width, s.Image.Height)
	case len(s.Alpha) != n:
		return fmt.Errorf("sample %d: alpha has %d values, want %d", s.ImageID, len(s.Alpha), n)
	case s.Mask != nil && len(s.Mask) != n:
		return fmt.Errorf("sample %d: mask has %d values, want %d", s.ImageID, len(s.Mask), n)
	case s.Camera.Width != s.Image.Width || s.Camera.Height != s.Image.Height:
		return fmt.Errorf("sample %d: camera %dx%d does not match image", s.ImageID, s.Camera.Width, s.Camera.Height)
	}
	return nil
}

// Options controls how a dataset directory is opened.
type Options struct {
	Split     Split
	TestEvery int // every k-th frame goes to validation; 0 disables the split
	FS        fsutil.FileSystem
}

// Dataset is one split of a time-lapse collection. Normalization is
// computed over every frame of the collection, so train and val labels are
// consistent.
type Dataset struct {
	dir      string
	fs       fsutil.FileSystem
	manifest Manifest
	loc      *time.Location
	frames   []Frame // this split
	width    int
	height   int

	startDay   time.Time
	endDate    time.Time
	uniqueDays []int     // day offsets from startDay, ascending
	dayLabels  []float64 // normalized label per unique day
	times      []float64 // per frame of this split
	sun        [][2]float64
	dates      []time.Time
	timeGap    float64
	sunStd     [2]float64
}

// LoadManifest reads and validates dir/manifest.json.
func LoadManifest(fsys fsutil.FileSystem, dir string) (Manifest, error) {
	var m Manifest
	data, err := fsys.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return m, fmt.Errorf("failed to read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if len(m.Frames) == 0 {
		return m, errors.New("manifest lists no frames")
	}
	if m.Site.Latitude < -90 || m.Site.Latitude > 90 || m.Site.Longitude < -180 || m.Site.Longitude > 180 {
		return m, fmt.Errorf("site coordinates out of range: %v, %v", m.Site.Latitude, m.Site.Longitude)
	}
	if m.Focal < 0 {
		return m, fmt.Errorf("focal must be non-negative, got %v", m.Focal)
	}
	for i, f := range m.Frames {
		if f.File == "" || f.Time.IsZero() {
			return m, fmt.Errorf("frame %d needs both file and time", i)
		}
		for _, p := range []string{f.File, f.Alpha, f.Mask} {
			if p == "" {
				continue
			}
			if err := security.ValidateRelativePath(p); err != nil {
				return m, fmt.Errorf("frame %d: %w", i, err)
			}
		}
	}
	return m, nil
}

// Open loads the manifest under dir and prepares the requested split.
// Pixel data is decoded lazily by Get.
func Open(dir string, opts Options) (*Dataset, error) {
	fsys := opts.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	m, err := LoadManifest(fsys, dir)
	if err != nil {
		return nil, err
	}
	loc, err := siteLocation(m.Site.Timezone)
	if err != nil {
		return nil, err
	}
	d := &Dataset{dir: dir, fs: fsys, manifest: m, loc: loc}

	all := append([]Frame(nil), m.Frames...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Time.Before(all[j].Time) })
	d.normalize(all)

	for i, f := range all {
		val := opts.TestEvery > 0 && i%opts.TestEvery == 0
		switch opts.Split {
		case SplitTrain:
			if val {
				continue
			}
		case SplitVal:
			if !val {
				continue
			}
		case SplitAll, "":
		default:
			return nil, fmt.Errorf("unknown split %q", opts.Split)
		}
		d.frames = append(d.frames, f)
		local := f.Time.In(loc)
		d.dates = append(d.dates, local)
		d.times = append(d.times, d.labelForDay(float64(d.dayOffset(local))))
		az, alt := SunPosition(f.Time, m.Site.Latitude, m.Site.Longitude)
		d.sun = append(d.sun, NormalizeSun(az, alt))
	}
	if len(d.frames) == 0 {
		return nil, fmt.Errorf("split %q of %s is empty", opts.Split, dir)
	}

	az := make([]float64, len(d.sun))
	alt := make([]float64, len(d.sun))
	for i, s := range d.sun {
		az[i], alt[i] = s[0], s[1]
	}
	if len(d.sun) > 1 {
		d.sunStd = [2]float64{stat.StdDev(az, nil), stat.StdDev(alt, nil)}
	}

	if err := d.checkFiles(); err != nil {
		return nil, err
	}
	w, h, err := d.probe(d.frames[0].File)
	if err != nil {
		return nil, err
	}
	d.width, d.height = w, h
	return d, nil
}

func siteLocation(tz string) (*time.Location, error) {
	if tz == "" || tz == "UTC" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %s: %w", tz, err)
	}
	return loc, nil
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func (d *Dataset) dayOffset(local time.Time) int {
	return int(midnight(local).Sub(d.startDay).Hours()/24 + 0.5)
}

// normalize spreads the distinct capture days evenly over [0,1].
func (d *Dataset) normalize(sorted []Frame) {
	d.startDay = midnight(sorted[0].Time.In(d.loc))
	d.endDate = sorted[len(sorted)-1].Time.In(d.loc)
	seen := make(map[int]bool)
	for _, f := range sorted {
		off := d.dayOffset(f.Time.In(d.loc))
		if !seen[off] {
			seen[off] = true
			d.uniqueDays = append(d.uniqueDays, off)
		}
	}
	sort.Ints(d.uniqueDays)
	n := len(d.uniqueDays)
	d.dayLabels = make([]float64, n)
	for i := range d.dayLabels {
		if n > 1 {
			d.dayLabels[i] = float64(i) / float64(n-1)
		}
	}
	if n > 1 {
		d.timeGap = 1 / float64(n-1)
	}
}

// labelForDay interpolates the normalized label of a (possibly
// unobserved) day offset between the neighbouring capture days.
func (d *Dataset) labelForDay(day float64) float64 {
	days := d.uniqueDays
	if len(days) == 1 {
		return 0
	}
	k := sort.Search(len(days), func(i int) bool { return float64(days[i]) >= day })
	switch {
	case k == 0:
		return d.dayLabels[0]
	case k == len(days):
		return d.dayLabels[len(days)-1]
	case float64(days[k]) == day:
		return d.dayLabels[k]
	}
	left, right := float64(days[k-1]), float64(days[k])
	f := (day - left) / (right - left)
	return d.dayLabels[k-1]*(1-f) + d.dayLabels[k]*f
}

// Cursor maps a position in [0,1] along the captured date range and an hour
// of the day to a local date, its time label and its normalized sun angle.
func (d *Dataset) Cursor(pos, hour float64) (time.Time, float64, [2]float64) {
	pos = max(0, min(1, pos))
	span := midnight(d.endDate).Sub(d.startDay).Hours() / 24
	day := float64(int(span*pos + 1e-9))
	date := d.startDay.AddDate(0, 0, int(day)).Add(time.Duration(hour * float64(time.Hour)))
	az, alt := SunPosition(date, d.manifest.Site.Latitude, d.manifest.Site.Longitude)
	return date, d.labelForDay(day), NormalizeSun(az, alt)
}

// Len returns the number of frames in the split.
func (d *Dataset) Len() int { return len(d.frames) }

// Size returns the image width and height.
func (d *Dataset) Size() (int, int) { return d.width, d.height }

// Times returns the normalized time label of every frame in the split.
func (d *Dataset) Times() []float64 { return append([]float64(nil), d.times...) }

// SunAngles returns the normalized sun angle of every frame in the split.
func (d *Dataset) SunAngles() [][2]float64 { return append([][2]float64(nil), d.sun...) }

// TimeGap is the label distance between consecutive capture days.
func (d *Dataset) TimeGap() float64 { return d.timeGap }

// SunStd is the per-axis standard deviation of the split's sun angles.
func (d *Dataset) SunStd() [2]float64 { return d.sunStd }

// DateRange returns the first capture day and the last capture time.
func (d *Dataset) DateRange() (time.Time, time.Time) { return d.startDay, d.endDate }

// Camera returns the fixed orthographic camera of the collection.
func (d *Dataset) Camera() raster.Camera {
	f := d.manifest.Focal
	if f == 0 {
		f = float64(d.width) / 2
	}
	return raster.OrthoCamera(d.width, d.height, f, f)
}

// checkFiles fails fast on frames of the split whose image, alpha or mask
// file is missing. On the local disk each file must also resolve inside the
// dataset directory after following symlinks.
func (d *Dataset) checkFiles() error {
	_, onDisk := d.fs.(fsutil.OSFileSystem)
	for _, f := range d.frames {
		for _, name := range []string{f.File, f.Alpha, f.Mask} {
			if name == "" {
				continue
			}
			path := filepath.Join(d.dir, name)
			if !d.fs.Exists(path) {
				return fmt.Errorf("frame %s: %s not found", f.Time.Format(time.RFC3339), name)
			}
			if onDisk {
				if err := security.ValidatePathWithinDirectory(path, d.dir); err != nil {
					return fmt.Errorf("frame %s: %w", f.Time.Format(time.RFC3339), err)
				}
			}
		}
	}
	return nil
}

// Get decodes frame i of the split.
func (d *Dataset) Get(i int) (*Sample, error) {
	if i < 0 || i >= len(d.frames) {
		return nil, fmt.Errorf("sample index %d out of range [0,%d)", i, len(d.frames))
	}
	f := d.frames[i]
	img, alpha, err := d.decodeRGBA(f.File)
	if err != nil {
		return nil, err
	}
	if img.Width != d.width || img.Height != d.height {
		return nil, fmt.Errorf("frame %s is %dx%d, want %dx%d", f.File, img.Width, img.Height, d.width, d.height)
	}
	s := &Sample{
		ImageID:  i,
		Frame:    f,
		Image:    img,
		Alpha:    alpha,
		Camera:   d.Camera(),
		Time:     d.times[i],
		SunAngle: d.sun[i],
		Date:     d.dates[i],
	}
	if f.Alpha != "" {
		if s.Alpha, err = d.decodeGray(f.Alpha); err != nil {
			return nil, err
		}
	}
	if f.Mask != "" {
		gray, err := d.decodeGray(f.Mask)
		if err != nil {
			return nil, err
		}
		s.Mask = make([]bool, len(gray))
		for k, v := range gray {
			s.Mask[k] = v > 0.5
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (d *Dataset) open(name string) (image.Image, error) {
	fh, err := d.fs.Open(filepath.Join(d.dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer fh.Close()
	img, err := png.Decode(fh)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return img, nil
}

func (d *Dataset) probe(name string) (int, int, error) {
	fh, err := d.fs.Open(filepath.Join(d.dir, name))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer fh.Close()
	cfg, err := png.DecodeConfig(fh)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return cfg.Width, cfg.Height, nil
}

// decodeRGBA returns straight (non-premultiplied) colour and the PNG's own
// alpha channel, which is all ones for opaque images.
func (d *Dataset) decodeRGBA(name string) (loss.Image, []float64, error) {
	src, err := d.open(name)
	if err != nil {
		return loss.Image{}, nil, err
	}
	b := src.Bounds()
	img := loss.NewImage(b.Dx(), b.Dy(), 3)
	alpha := make([]float64, b.Dx()*b.Dy())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBA64Model.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA64)
			i := y*b.Dx() + x
			img.Pix[i*3] = float64(c.R) / 0xffff
			img.Pix[i*3+1] = float64(c.G) / 0xffff
			img.Pix[i*3+2] = float64(c.B) / 0xffff
			alpha[i] = float64(c.A) / 0xffff
		}
	}
	return img, alpha, nil
}

func (d *Dataset) decodeGray(name string) ([]float64, error) {
	src, err := d.open(name)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	if b.Dx() != d.width || b.Dy() != d.height {
		return nil, fmt.Errorf("%s is %dx%d, want %dx%d", name, b.Dx(), b.Dy(), d.width, d.height)
	}
	out := make([]float64, b.Dx()*b.Dy())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g := color.Gray16Model.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			out[y*b.Dx()+x] = float64(g.Y) / 0xffff
		}
	}
	return out, nil
}

package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	utils "kitch-ingest/pkg/utils"
)

type FFmpeg struct {
	path      string
	probePath string
	threads   int
}

// MediaInfo is what the pipeline needs to know about a source file.
type MediaInfo struct {
	Duration  time.Duration
	Width     int
	Height    int
	FrameRate float64
	HasAudio  bool
	Format    string
}

// RenditionSpec describes one HLS encode.
type RenditionSpec struct {
	Name            string
	Width           int
	Height          int
	VideoKbps       int
	AudioKbps       int
	SegmentDuration int
	OutputDir       string
	// Job tags forwarded ffmpeg log lines, usually the asset id.
	Job string
	// Scale is false for the native-resolution rendition.
	Scale bool
}

const (
	IndexFile       = "index.m3u8"
	SegmentTemplate = "segment_%05d.ts"
)

func New(path, probePath string, threads int) *FFmpeg {
	return &FFmpeg{
		path:      path,
		probePath: probePath,
		threads:   threads,
	}
}

// Probe reads container and first video stream metadata with ffprobe.
// tolerant asks ffprobe to skip corrupt data, for files whose trailer may
// be missing.
func (f *FFmpeg) Probe(ctx context.Context, inputPath string, tolerant bool) (MediaInfo, error) {
	cmd := exec.CommandContext(ctx, f.probePath, probeArgs(inputPath, tolerant)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return MediaInfo{}, fmt.Errorf("ffprobe error: %w, stderr: %s", err, strings.TrimSpace(stderr.String()))
	}

	info, err := parseProbe(stdout.Bytes())
	if err != nil {
		return MediaInfo{}, err
	}
	if !tolerant && (info.Duration <= 0 || info.Width <= 0 || info.Height <= 0) {
		return info, fmt.Errorf("ffprobe returned incomplete metadata for %s", filepath.Base(inputPath))
	}
	return info, nil
}

// Thumbnail writes a single JPEG frame taken at offset.
func (f *FFmpeg) Thumbnail(ctx context.Context, inputPath, outputPath string, at time.Duration) error {
	cmd := exec.CommandContext(ctx, f.path, thumbnailArgs(inputPath, outputPath, at)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg thumbnail error: %w, stderr: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Encode produces the rendition's segments and index in spec.OutputDir.
// onProgress, if set, receives the encoded media time as ffmpeg reports it.
func (f *FFmpeg) Encode(ctx context.Context, inputPath string, spec RenditionSpec, onProgress func(time.Duration)) error {
	cmd := exec.CommandContext(ctx, f.path, f.encodeArgs(inputPath, spec)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	job := spec.Name
	if spec.Job != "" {
		job = spec.Job + "/" + spec.Name
	}
	last := newLineTail(stderrTailLines)
	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		forwardLog(stderr, job, last)
	}()

	scanProgress(stdout, func(outTime time.Duration, _ bool) {
		if onProgress != nil {
			onProgress(outTime)
		}
	})
	<-logDone

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg encode %s: %w, stderr: %s", spec.Name, err, last.String())
	}
	return nil
}

// StartCapture copies the stream at inputURL into a Matroska file until
// the returned Capture is stopped.
func (f *FFmpeg) StartCapture(inputURL, outputPath string) (*Capture, error) {
	cmd := exec.Command(f.path, captureArgs(inputURL, outputPath)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start capture: %w", err)
	}

	c := &Capture{
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}
	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		forwardLog(stderr, filepath.Base(outputPath), nil)
	}()
	go func() {
		<-logDone
		c.err = cmd.Wait()
		close(c.done)
	}()
	return c, nil
}

// Capture is a running capture process.
type Capture struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}
	err   error
}

// Stop asks ffmpeg to finish writing and exit.
func (c *Capture) Stop() error {
	_, err := io.WriteString(c.stdin, "q")
	c.stdin.Close()
	return err
}

// Kill terminates the process immediately.
func (c *Capture) Kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}

// Done is closed once the process has exited.
func (c *Capture) Done() <-chan struct{} {
	return c.done
}

// Err is the exit error; valid after Done is closed.
func (c *Capture) Err() error {
	<-c.done
	return c.err
}

func probeArgs(inputPath string, tolerant bool) []string {
	args := []string{"-v", "error"}
	if tolerant {
		args = append(args, "-err_detect", "ignore_err", "-fflags", "+discardcorrupt")
	}
	return append(args,
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputPath,
	)
}

func thumbnailArgs(inputPath, outputPath string, at time.Duration) []string {
	return []string{
		"-hide_banner",
		"-y",
		"-ss", formatSeconds(at),
		"-i", inputPath,
		"-frames:v", "1",
		"-q:v", "2",
		outputPath,
	}
}

func (f *FFmpeg) encodeArgs(inputPath string, spec RenditionSpec) []string {
	segment := spec.SegmentDuration
	if segment <= 0 {
		segment = 4
	}

	args := []string{
		"-hide_banner",
		"-y",
		"-i", inputPath,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", fmt.Sprintf("%dk", spec.VideoKbps),
		"-maxrate", fmt.Sprintf("%dk", spec.VideoKbps),
		"-bufsize", fmt.Sprintf("%dk", spec.VideoKbps*2),
	}
	if spec.Scale && spec.Width > 0 && spec.Height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", spec.Width, spec.Height))
	}
	args = append(args,
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", spec.AudioKbps),
		"-ar", "48000",
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", segment),
		"-sc_threshold", "0",
	)
	if f.threads > 0 {
		args = append(args, "-threads", strconv.Itoa(f.threads))
	}
	return append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segment),
		"-hls_playlist_type", "vod",
		"-hls_segment_type", "mpegts",
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", filepath.Join(spec.OutputDir, SegmentTemplate),
		"-progress", "pipe:1",
		"-nostats",
		filepath.Join(spec.OutputDir, IndexFile),
	)
}

func captureArgs(inputURL, outputPath string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-i", inputURL,
		"-c", "copy",
		"-f", "matroska",
		"-y",
		outputPath,
	}
}

type probeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		Duration     string `json:"duration"`
	} `json:"streams"`
}

func parseProbe(data []byte) (MediaInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return MediaInfo{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	info := MediaInfo{Format: out.Format.FormatName}
	info.Duration = parseSeconds(out.Format.Duration)

	foundVideo := false
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if foundVideo {
				continue
			}
			foundVideo = true
			info.Width = s.Width
			info.Height = s.Height
			info.FrameRate = parseFrameRate(s.AvgFrameRate)
			if info.FrameRate == 0 {
				info.FrameRate = parseFrameRate(s.RFrameRate)
			}
			if info.Duration == 0 {
				info.Duration = parseSeconds(s.Duration)
			}
		case "audio":
			info.HasAudio = true
		}
	}
	if !foundVideo {
		return info, fmt.Errorf("no video stream found")
	}
	return info, nil
}

func parseSeconds(value string) time.Duration {
	if value == "" || value == "N/A" {
		return 0
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// parseFrameRate accepts ffprobe's rational form, e.g. "30000/1001".
func parseFrameRate(value string) float64 {
	num, den, found := strings.Cut(value, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// scanProgress reads ffmpeg "-progress" key=value blocks and reports each
// block's out_time. done is true on the final "progress=end" block.
func scanProgress(r io.Reader, report func(outTime time.Duration, done bool)) {
	scanner := bufio.NewScanner(r)
	var outTime time.Duration
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			// Both keys carry microseconds.
			if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
				outTime = time.Duration(us) * time.Microsecond
			}
		case "progress":
			report(outTime, value == "end")
		}
	}
}

// forwardLog sends each stderr line to the debug log. keep, if set,
// retains the last lines for error messages.
func forwardLog(r io.Reader, job string, keep *lineTail) {
	log := utils.WithField("job", job)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		log.Debug(line)
		if keep != nil {
			keep.add(line)
		}
	}
	// Drain the rest if a line overflowed the scanner.
	io.Copy(io.Discard, r)
}

const stderrTailLines = 20

// lineTail keeps the most recent n lines.
type lineTail struct {
	lines []string
	next  int
	full  bool
}

func newLineTail(n int) *lineTail {
	return &lineTail{lines: make([]string, n)}
}

func (t *lineTail) add(line string) {
	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.next == 0 {
		t.full = true
	}
}

func (t *lineTail) String() string {
	var ordered []string
	if t.full {
		ordered = append(ordered, t.lines[t.next:]...)
	}
	ordered = append(ordered, t.lines[:t.next]...)
	return strings.TrimSpace(strings.Join(ordered, "\n"))
}

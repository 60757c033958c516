package render

import (
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/go-gl/gl/v3.3-core/gl"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"virtual-background/internal/algorithms"
	"virtual-background/internal/core"
)

const vertexShaderSource = `
#version 330 core
layout(location = 0) in vec2 position;
layout(location = 1) in vec2 texcoord;
out vec2 uv;
void main() {
	uv = texcoord;
	gl_Position = vec4(position, 0.0, 1.0);
}
` + "\x00"

const fragmentShaderSource = `
#version 330 core
in vec2 uv;
out vec4 color;
uniform sampler2D video;
uniform sampler2D mask;
uniform sampler2D background;
uniform float opacity;
void main() {
	vec4 v = texture(video, uv);
	vec4 b = texture(background, uv);
	float a = texture(mask, uv).a * opacity;
	color = vec4(mix(b.rgb, v.rgb, a), 1.0);
}
` + "\x00"

// Full-screen quad as a triangle strip: x, y, u, v. Texture row 0 maps to framebuffer row 0, so
// the read-back image keeps the row order of the uploaded frame.
var quadVertices = []float32{
	-1, -1, 0, 0,
	1, -1, 1, 0,
	-1, 1, 0, 1,
	1, 1, 1, 1,
}

const (
	texVideo = iota
	texMask
	texBackground
	texCount
)

type setupState int

const (
	setupPending setupState = iota
	setupReady
	setupFailed
)

// GLCompositor draws a full-screen quad into an off-screen framebuffer with the fragment stage
// computing mix(background, video, mask.a), then reads the result back. The three textures are
// created once; their storage is respecified only when a source changes size and their
// contents are updated in place every tick.
//
// Setup happens lazily on the first Render call and all GL calls must come from the goroutine
// that made that call, with its OS thread locked. glfw itself only runs on the process main
// thread: window creation and teardown go through mainThread, and without one setup fails.
// glfw is initialised on setup and terminated on release, so one GLCompositor at a time may
// hold a context.
type GLCompositor struct {
	params   Params
	logger   logrus.FieldLogger
	blur     *algorithms.GaussianFilter
	feather  *algorithms.GaussianFilter
	fallback core.Compositor
	warn     warnOnce

	mainThread   func(func())
	createWindow func() (*glfw.Window, error)

	state    setupState
	window   *glfw.Window
	program  uint32
	vao      uint32
	vbo      uint32
	fbo      uint32
	target   uint32
	textures [texCount]uint32
	texSizes [texCount]image.Point
	fbSize   image.Point
	opacity  int32

	blurred   gocv.Mat // CPU-blurred frame used as the background texture
	feathered gocv.Mat

	uploads     uint64
	allocations int
}

var errNoMainThread = errors.New("no main thread dispatcher for glfw")

// NewGLCompositor creates a GL compositor. mainThread runs a function on the process main
// thread and returns when it has completed (mainthread.Call); nil disables the GPU path.
// fallback is used after a setup failure; nil renders pass-through instead.
func NewGLCompositor(params Params, logger logrus.FieldLogger, mainThread func(func()), fallback core.Compositor) *GLCompositor {
	c := &GLCompositor{
		params:     params,
		logger:     logger.WithField("component", "compositor-gl"),
		blur:       algorithms.NewGaussianFilter(params.BlurStrength),
		feather:    algorithms.NewFeatherFilter(params.EdgeBlur),
		fallback:   fallback,
		mainThread: mainThread,
		blurred:    gocv.NewMat(),
		feathered:  gocv.NewMat(),
	}
	c.createWindow = c.hiddenWindow
	return c
}

// hiddenWindow creates an invisible 3.3 core context on the main thread; only its framebuffer
// objects are drawn to
func (c *GLCompositor) hiddenWindow() (*glfw.Window, error) {
	if c.mainThread == nil {
		return nil, errNoMainThread
	}

	var (
		window *glfw.Window
		err    error
	)
	c.mainThread(func() {
		if err = glfw.Init(); err != nil {
			err = fmt.Errorf("glfw init: %w", err)
			return
		}
		glfw.WindowHint(glfw.Visible, glfw.False)
		glfw.WindowHint(glfw.ContextVersionMajor, 3)
		glfw.WindowHint(glfw.ContextVersionMinor, 3)
		glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
		glfw.WindowHint(glfw.OpenGLForwardCompatible, glfw.True)

		window, err = glfw.CreateWindow(16, 16, "compositor", nil, nil)
		if err != nil {
			glfw.Terminate()
			err = fmt.Errorf("create context: %w", err)
		}
	})
	return window, err
}

// Render implements core.Compositor. A setup failure is returned once, wrapped in
// core.ErrRenderSetup; later calls use the fallback and return its result.
func (c *GLCompositor) Render(effect core.Effect, frame gocv.Mat, mask *core.MaskCache, background gocv.Mat, dst *gocv.Mat) error {
	if frame.Empty() {
		return fmt.Errorf("empty frame")
	}
	if c.state == setupFailed {
		return c.renderFallback(effect, frame, mask, background, dst)
	}
	if effect != core.EffectStatic {
		c.warn.reset()
	}
	if effect == core.EffectNone || mask == nil || mask.Empty() {
		core.PassThrough(frame, dst)
		return nil
	}
	if effect == core.EffectStatic && background.Empty() {
		c.warn.missingBackground(c.logger)
		core.PassThrough(frame, dst)
		return nil
	}
	if frame.Type() != gocv.MatTypeCV8UC3 {
		return fmt.Errorf("frame must be 8UC3, got type %d", int(frame.Type()))
	}

	if c.state == setupPending {
		if err := c.setup(); err != nil {
			c.state = setupFailed
			c.release()
			c.logger.WithError(err).Error("GPU compositor unavailable")
			if c.fallback != nil {
				c.logger.Info("Falling back to CPU compositing")
			}
			core.PassThrough(frame, dst)
			return fmt.Errorf("%w: %v", core.ErrRenderSetup, err)
		}
		c.state = setupReady
	}

	if err := c.uploadSources(effect, frame, mask, background); err != nil {
		return err
	}
	return c.draw(matSize(frame), dst)
}

func (c *GLCompositor) renderFallback(effect core.Effect, frame gocv.Mat, mask *core.MaskCache, background gocv.Mat, dst *gocv.Mat) error {
	if c.fallback != nil {
		return c.fallback.Render(effect, frame, mask, background, dst)
	}
	core.PassThrough(frame, dst)
	return nil
}

func (c *GLCompositor) setup() error {
	window, err := c.createWindow()
	if err != nil {
		return err
	}
	c.window = window
	c.window.MakeContextCurrent()

	if err := gl.Init(); err != nil {
		return fmt.Errorf("gl init: %w", err)
	}

	program, err := newProgram(vertexShaderSource, fragmentShaderSource)
	if err != nil {
		return err
	}
	c.program = program
	gl.UseProgram(c.program)
	gl.Uniform1i(gl.GetUniformLocation(c.program, gl.Str("video\x00")), texVideo)
	gl.Uniform1i(gl.GetUniformLocation(c.program, gl.Str("mask\x00")), texMask)
	gl.Uniform1i(gl.GetUniformLocation(c.program, gl.Str("background\x00")), texBackground)
	c.opacity = gl.GetUniformLocation(c.program, gl.Str("opacity\x00"))

	gl.GenVertexArrays(1, &c.vao)
	gl.BindVertexArray(c.vao)
	gl.GenBuffers(1, &c.vbo)
	gl.BindBuffer(gl.ARRAY_BUFFER, c.vbo)
	gl.BufferData(gl.ARRAY_BUFFER, len(quadVertices)*4, gl.Ptr(quadVertices), gl.STATIC_DRAW)
	gl.EnableVertexAttribArray(0)
	gl.VertexAttribPointerWithOffset(0, 2, gl.FLOAT, false, 4*4, 0)
	gl.EnableVertexAttribArray(1)
	gl.VertexAttribPointerWithOffset(1, 2, gl.FLOAT, false, 4*4, 2*4)

	gl.GenTextures(texCount, &c.textures[0])
	for _, tex := range c.textures {
		gl.BindTexture(gl.TEXTURE_2D, tex)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)
	}

	gl.GenFramebuffers(1, &c.fbo)
	gl.GenTextures(1, &c.target)

	gl.PixelStorei(gl.UNPACK_ALIGNMENT, 1)
	gl.PixelStorei(gl.PACK_ALIGNMENT, 1)

	if code := gl.GetError(); code != gl.NO_ERROR {
		return fmt.Errorf("gl error 0x%x during setup", code)
	}
	c.logger.WithField("renderer", gl.GoStr(gl.GetString(gl.RENDERER))).Info("GPU compositor ready")
	return nil
}

func (c *GLCompositor) uploadSources(effect core.Effect, frame gocv.Mat, mask *core.MaskCache, background gocv.Mat) error {
	if err := c.upload(texVideo, frame, gl.BGR); err != nil {
		return fmt.Errorf("upload video: %w", err)
	}

	alpha := mask.Alpha()
	if effect == core.EffectBlur && c.feather.Sigma() > 0 {
		if err := c.feather.Apply(alpha, &c.feathered); err != nil {
			return fmt.Errorf("feather mask: %w", err)
		}
		alpha = c.feathered
	}
	if err := c.upload(texMask, alpha, gl.RGBA); err != nil {
		return fmt.Errorf("upload mask: %w", err)
	}

	bg := background
	if effect == core.EffectBlur {
		if err := c.blur.Apply(frame, &c.blurred); err != nil {
			return fmt.Errorf("blur background: %w", err)
		}
		bg = c.blurred
	}
	if bg.Channels() != 3 {
		return fmt.Errorf("background must have 3 channels, got %d", bg.Channels())
	}
	if err := c.upload(texBackground, bg, gl.BGR); err != nil {
		return fmt.Errorf("upload background: %w", err)
	}
	return nil
}

// upload writes m into texture unit. Storage is specified with TexImage2D only when the size
// changes; otherwise the existing storage is overwritten with TexSubImage2D.
func (c *GLCompositor) upload(unit int, m gocv.Mat, format uint32) error {
	data, err := matBytes(m)
	if err != nil {
		return err
	}
	size := matSize(m)

	gl.ActiveTexture(gl.TEXTURE0 + uint32(unit))
	gl.BindTexture(gl.TEXTURE_2D, c.textures[unit])
	if c.texSizes[unit] != size {
		internal := int32(gl.RGB8)
		if format == gl.RGBA {
			internal = gl.RGBA8
		}
		gl.TexImage2D(gl.TEXTURE_2D, 0, internal, int32(size.X), int32(size.Y), 0, format, gl.UNSIGNED_BYTE, gl.Ptr(&data[0]))
		c.texSizes[unit] = size
		c.allocations++
	} else {
		gl.TexSubImage2D(gl.TEXTURE_2D, 0, 0, 0, int32(size.X), int32(size.Y), format, gl.UNSIGNED_BYTE, gl.Ptr(&data[0]))
	}
	c.uploads++
	return nil
}

func (c *GLCompositor) draw(size image.Point, dst *gocv.Mat) error {
	gl.BindFramebuffer(gl.FRAMEBUFFER, c.fbo)
	if c.fbSize != size {
		gl.BindTexture(gl.TEXTURE_2D, c.target)
		gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGB8, int32(size.X), int32(size.Y), 0, gl.RGB, gl.UNSIGNED_BYTE, nil)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.NEAREST)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.NEAREST)
		gl.FramebufferTexture2D(gl.FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, c.target, 0)
		if status := gl.CheckFramebufferStatus(gl.FRAMEBUFFER); status != gl.FRAMEBUFFER_COMPLETE {
			return fmt.Errorf("framebuffer incomplete: 0x%x", status)
		}
		c.fbSize = size
		c.allocations++
	}

	gl.Viewport(0, 0, int32(size.X), int32(size.Y))
	gl.UseProgram(c.program)
	gl.Uniform1f(c.opacity, float32(c.params.Opacity))
	gl.BindVertexArray(c.vao)
	gl.DrawArrays(gl.TRIANGLE_STRIP, 0, 4)

	if ensure(dst, size, gocv.MatTypeCV8UC3) {
		c.logger.WithFields(logrus.Fields{"width": size.X, "height": size.Y}).Debug("Output buffer resized")
	}
	out, err := dst.DataPtrUint8()
	if err != nil {
		return fmt.Errorf("output buffer: %w", err)
	}
	gl.ReadPixels(0, 0, int32(size.X), int32(size.Y), gl.BGR, gl.UNSIGNED_BYTE, gl.Ptr(&out[0]))

	if code := gl.GetError(); code != gl.NO_ERROR {
		return fmt.Errorf("gl error 0x%x during draw", code)
	}
	return nil
}

// matBytes returns the pixel data of m without copying
func matBytes(m gocv.Mat) ([]byte, error) {
	if m.Empty() {
		return nil, errors.New("empty image")
	}
	if !m.IsContinuous() {
		return nil, errors.New("image data is not continuous")
	}
	data, err := m.DataPtrUint8()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty image data")
	}
	return data, nil
}

func newProgram(vertexSource, fragmentSource string) (uint32, error) {
	vertex, err := compileShader(vertexSource, gl.VERTEX_SHADER)
	if err != nil {
		return 0, err
	}
	defer gl.DeleteShader(vertex)

	fragment, err := compileShader(fragmentSource, gl.FRAGMENT_SHADER)
	if err != nil {
		return 0, err
	}
	defer gl.DeleteShader(fragment)

	program := gl.CreateProgram()
	gl.AttachShader(program, vertex)
	gl.AttachShader(program, fragment)
	gl.LinkProgram(program)

	var status int32
	gl.GetProgramiv(program, gl.LINK_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetProgramiv(program, gl.INFO_LOG_LENGTH, &logLength)
		log := strings.Repeat("\x00", int(logLength+1))
		gl.GetProgramInfoLog(program, logLength, nil, gl.Str(log))
		gl.DeleteProgram(program)
		return 0, fmt.Errorf("link program: %s", strings.TrimRight(log, "\x00"))
	}
	return program, nil
}

func compileShader(source string, shaderType uint32) (uint32, error) {
	shader := gl.CreateShader(shaderType)
	csources, free := gl.Strs(source)
	gl.ShaderSource(shader, 1, csources, nil)
	free()
	gl.CompileShader(shader)

	var status int32
	gl.GetShaderiv(shader, gl.COMPILE_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetShaderiv(shader, gl.INFO_LOG_LENGTH, &logLength)
		log := strings.Repeat("\x00", int(logLength+1))
		gl.GetShaderInfoLog(shader, logLength, nil, gl.Str(log))
		gl.DeleteShader(shader)
		return 0, fmt.Errorf("compile shader: %s", strings.TrimRight(log, "\x00"))
	}
	return shader, nil
}

// Ready reports whether the GPU path is active
func (c *GLCompositor) Ready() bool {
	return c.state == setupReady
}

// Failed reports whether setup failed and the fallback is in use
func (c *GLCompositor) Failed() bool {
	return c.state == setupFailed
}

// Allocations counts texture and framebuffer storage (re)specifications
func (c *GLCompositor) Allocations() int {
	return c.allocations
}

// Uploads counts texture uploads of either kind
func (c *GLCompositor) Uploads() uint64 {
	return c.uploads
}

// Detach releases every GL object and the context. It must be called on the thread that
// rendered; the next Render sets up again.
func (c *GLCompositor) Detach() {
	if c.state == setupReady {
		c.release()
		c.state = setupPending
	}
	if d, ok := c.fallback.(interface{ Detach() }); ok {
		d.Detach()
	}
}

func (c *GLCompositor) release() {
	if c.window == nil {
		return
	}
	if c.program != 0 {
		gl.DeleteProgram(c.program)
		gl.DeleteBuffers(1, &c.vbo)
		gl.DeleteVertexArrays(1, &c.vao)
		gl.DeleteTextures(texCount, &c.textures[0])
		gl.DeleteTextures(1, &c.target)
		gl.DeleteFramebuffers(1, &c.fbo)
	}
	glfw.DetachCurrentContext()
	window := c.window
	c.mainThread(func() {
		window.Destroy()
		glfw.Terminate()
	})

	c.window = nil
	c.program, c.vao, c.vbo, c.fbo, c.target = 0, 0, 0, 0, 0
	c.textures = [texCount]uint32{}
	c.texSizes = [texCount]image.Point{}
	c.fbSize = image.Point{}
}

func (c *GLCompositor) Close() error {
	c.blurred.Close()
	c.feathered.Close()
	if c.fallback != nil {
		return c.fallback.Close()
	}
	return nil
}

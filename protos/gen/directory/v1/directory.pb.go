// Code generated by protoc-gen-go. DO NOT EDIT.
// versions:
// 	protoc-gen-go v1.36.10
// 	protoc        (unknown)
// source: directory/v1/directory.proto

package directoryv1

import (
	protoreflect "google.golang.org/protobuf/reflect/protoreflect"
	protoimpl "google.golang.org/protobuf/runtime/protoimpl"
	reflect "reflect"
	sync "sync"
	unsafe "unsafe"
)

const (
	// Verify that this generated code is sufficiently up-to-date.
	_ = protoimpl.EnforceVersion(20 - protoimpl.MinVersion)
	// Verify that runtime/protoimpl is sufficiently up-to-date.
	_ = protoimpl.EnforceVersion(protoimpl.MaxVersion - 20)
)

type GetPatientRequest struct {
	state         protoimpl.MessageState `protogen:"open.v1"`
	PatientId     string                 `protobuf:"bytes,1,opt,name=patient_id,json=patientId,proto3" json:"patient_id,omitempty"`
	unknownFields protoimpl.UnknownFields
	sizeCache     protoimpl.SizeCache
}

func (x *GetPatientRequest) Reset() {
	*x = GetPatientRequest{}
	mi := &file_directory_v1_directory_proto_msgTypes[0]
	ms := protoimpl.X.MessageStateOf(protoimpl.Pointer(x))
	ms.StoreMessageInfo(mi)
}

func (x *GetPatientRequest) String() string {
	return protoimpl.X.MessageStringOf(x)
}

func (*GetPatientRequest) ProtoMessage() {}

func (x *GetPatientRequest) ProtoReflect() protoreflect.Message {
	mi := &file_directory_v1_directory_proto_msgTypes[0]
	if x != nil {
		ms := protoimpl.X.MessageStateOf(protoimpl.Pointer(x))
		if ms.LoadMessageInfo() == nil {
			ms.StoreMessageInfo(mi)
		}
		return ms
	}
	return mi.MessageOf(x)
}

// Deprecated: Use GetPatientRequest.ProtoReflect.Descriptor instead.
func (*GetPatientRequest) Descriptor() ([]byte, []int) {
	return file_directory_v1_directory_proto_rawDescGZIP(), []int{0}
}

func (x *GetPatientRequest) GetPatientId() string {
	if x != nil {
		return x.PatientId
	}
	return ""
}

type GetPatientResponse struct {
	state         protoimpl.MessageState `protogen:"open.v1"`
	Exists        bool                   `protobuf:"varint,1,opt,name=exists,proto3" json:"exists,omitempty"`
	PatientId     string                 `protobuf:"bytes,2,opt,name=patient_id,json=patientId,proto3" json:"patient_id,omitempty"`
	DisplayName   string                 `protobuf:"bytes,3,opt,name=display_name,json=displayName,proto3" json:"display_name,omitempty"`
	unknownFields protoimpl.UnknownFields
	sizeCache     protoimpl.SizeCache
}

func (x *GetPatientResponse) Reset() {
	*x = GetPatientResponse{}
	mi := &file_directory_v1_directory_proto_msgTypes[1]
	ms := protoimpl.X.MessageStateOf(protoimpl.Pointer(x))
	ms.StoreMessageInfo(mi)
}

func (x *GetPatientResponse) String() string {
	return protoimpl.X.MessageStringOf(x)
}

func (*GetPatientResponse) ProtoMessage() {}

func (x *GetPatientResponse) ProtoReflect() protoreflect.Message {
	mi := &file_directory_v1_directory_proto_msgTypes[1]
	if x != nil {
		ms := protoimpl.X.MessageStateOf(protoimpl.Pointer(x))
		if ms.LoadMessageInfo() == nil {
			ms.StoreMessageInfo(mi)
		}
		return ms
	}
	return mi.MessageOf(x)
}

// Deprecated: Use GetPatientResponse.ProtoReflect.Descriptor instead.
func (*GetPatientResponse) Descriptor() ([]byte, []int) {
	return file_directory_v1_directory_proto_rawDescGZIP(), []int{1}
}

func (x *GetPatientResponse) GetExists() bool {
	if x != nil {
		return x.Exists
	}
	return false
}

func (x *GetPatientResponse) GetPatientId() string {
	if x != nil {
		return x.PatientId
	}
	return ""
}

func (x *GetPatientResponse) GetDisplayName() string {
	if x != nil {
		return x.DisplayName
	}
	return ""
}

var File_directory_v1_directory_proto protoreflect.FileDescriptor

const file_directory_v1_directory_proto_rawDesc = "" +
	"\n" +
	"\x1cdirectory/v1/directory.proto\x12\fdirectory.v1\"2\n" +
	"\x11GetPatientRequest\x12\x1d\n" +
	"\n" +
	"patient_id\x18\x01 \x01(\tR\tpatientId\"n\n" +
	"\x12GetPatientResponse\x12\x16\n" +
	"\x06exists\x18\x01 \x01(\bR\x06exists\x12\x1d\n" +
	"\n" +
	"patient_id\x18\x02 \x01(\tR\tpatientId\x12!\n" +
	"\fdisplay_name\x18\x03 \x01(\tR\vdisplayName2c\n" +
	"\x10DirectoryService\x12O\n" +
	"\n" +
	"GetPatient\x12\x1f.directory.v1.GetPatientRequest\x1a .directory.v1.GetPatientResponseBGZEgithub.com/chairsidehq/scheduling/protos/gen/directory/v1;directoryv1b\x06proto3"

var (
	file_directory_v1_directory_proto_rawDescOnce sync.Once
	file_directory_v1_directory_proto_rawDescData []byte
)

func file_directory_v1_directory_proto_rawDescGZIP() []byte {
	file_directory_v1_directory_proto_rawDescOnce.Do(func() {
		file_directory_v1_directory_proto_rawDescData = protoimpl.X.CompressGZIP(unsafe.Slice(unsafe.StringData(file_directory_v1_directory_proto_rawDesc), len(file_directory_v1_directory_proto_rawDesc)))
	})
	return file_directory_v1_directory_proto_rawDescData
}

var file_directory_v1_directory_proto_msgTypes = make([]protoimpl.MessageInfo, 2)
var file_directory_v1_directory_proto_goTypes = []any{
	(*GetPatientRequest)(nil),  // 0: directory.v1.GetPatientRequest
	(*GetPatientResponse)(nil), // 1: directory.v1.GetPatientResponse
}
var file_directory_v1_directory_proto_depIdxs = []int32{
	0, // 0: directory.v1.DirectoryService.GetPatient:input_type -> directory.v1.GetPatientRequest
	1, // 1: directory.v1.DirectoryService.GetPatient:output_type -> directory.v1.GetPatientResponse
	1, // [1:2] is the sub-list for method output_type
	0, // [0:1] is the sub-list for method input_type
	0, // [0:0] is the sub-list for extension type_name
	0, // [0:0] is the sub-list for extension extendee
	0, // [0:0] is the sub-list for field type_name
}

func init() { file_directory_v1_directory_proto_init() }
func file_directory_v1_directory_proto_init() {
	if File_directory_v1_directory_proto != nil {
		return
	}
	type x struct{}
	out := protoimpl.TypeBuilder{
		File: protoimpl.DescBuilder{
			GoPackagePath: reflect.TypeOf(x{}).PkgPath(),
			RawDescriptor: unsafe.Slice(unsafe.StringData(file_directory_v1_directory_proto_rawDesc), len(file_directory_v1_directory_proto_rawDesc)),
			NumEnums:      0,
			NumMessages:   2,
			NumExtensions: 0,
			NumServices:   1,
		},
		GoTypes:           file_directory_v1_directory_proto_goTypes,
		DependencyIndexes: file_directory_v1_directory_proto_depIdxs,
		MessageInfos:      file_directory_v1_directory_proto_msgTypes,
	}.Build()
	File_directory_v1_directory_proto = out.File
	file_directory_v1_directory_proto_goTypes = nil
	file_directory_v1_directory_proto_depIdxs = nil
}
